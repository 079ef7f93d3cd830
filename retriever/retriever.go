// Package retriever fetches paged results from the accounting API through a cache.
//
// Information Hiding:
// - Pagination loop and termination bound hidden behind Retrieve
// - Cache key derivation hidden behind CacheKey
// - Credential lookup abstracted behind Connection

package retriever

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// ErrInvalidCredential means the connection yielded no usable token.
// It is never retried.
var ErrInvalidCredential = errors.New("invalid or expired credential")

// CredentialError reports an authentication failure. It matches
// ErrInvalidCredential with errors.Is.
type CredentialError struct {
	Cause error
}

func (e *CredentialError) Error() string {
	if e.Cause == nil {
		return ErrInvalidCredential.Error()
	}
	return fmt.Sprintf("%s: %v", ErrInvalidCredential, e.Cause)
}

func (e *CredentialError) Unwrap() error {
	return e.Cause
}

func (e *CredentialError) Is(target error) bool {
	return target == ErrInvalidCredential
}

// Retryable is always false; a new token is needed.
func (e *CredentialError) Retryable() bool {
	return false
}

const (
	DefaultPageSize = 100
	DefaultMaxPages = 100
)

// Connection supplies the bearer token for the external API.
type Connection interface {
	Token(ctx context.Context) (string, error)
}

// Page is one API response page.
type Page struct {
	Payload json.RawMessage
	Count   int
}

// Fetcher calls the external API for one page. start is 1-based.
type Fetcher interface {
	FetchPage(ctx context.Context, token string, q Query, start, size int) (Page, error)
}

// Cache stores full page sequences under a key. Implementations must be safe
// for concurrent use. Get reports a miss with found=false.
type Cache interface {
	Get(ctx context.Context, key string) (pages []json.RawMessage, found bool, err error)
	Put(ctx context.Context, key string, pages []json.RawMessage) error
}

// Query is one logical retrieval.
type Query struct {
	// Tool identifies the calling tool; it namespaces the cache key.
	Tool string
	// Statement is the query text sent to the API.
	Statement string
	// Params are additional effective parameters that change the result.
	Params map[string]any
	// MaxItems caps the number of items wanted; zero means no cap beyond
	// the configured page limit. Part of the cache key.
	MaxItems int
	// CallerID is logged with every API call.
	CallerID string
}

// Config configures a Retriever.
type Config struct {
	PageSize int
	MaxPages int
}

// Retriever runs paginated, cache-through retrievals.
type Retriever struct {
	conn    Connection
	fetcher Fetcher
	cache   Cache
	cfg     Config
	logger  *slog.Logger
}

// New creates a Retriever. A nil cache disables caching; a nil logger discards.
func New(conn Connection, fetcher Fetcher, cache Cache, cfg Config, logger *slog.Logger) *Retriever {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if cache == nil {
		cache = NopCache{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Retriever{conn: conn, fetcher: fetcher, cache: cache, cfg: cfg, logger: logger}
}

// PageSize returns the configured page size.
func (r *Retriever) PageSize() int {
	return r.cfg.PageSize
}

// Retrieve returns every page for q, from cache when possible.
func (r *Retriever) Retrieve(ctx context.Context, q Query) ([]json.RawMessage, error) {
	maxPages := r.cfg.MaxPages
	truncate := true
	if q.MaxItems > 0 {
		if need := (q.MaxItems + r.cfg.PageSize - 1) / r.cfg.PageSize; need < maxPages {
			maxPages = need
			truncate = false
		}
	}
	return r.retrieve(ctx, q, maxPages, truncate)
}

// FirstPage fetches only the first page. Used for aggregate queries that
// always fit in one response. The entry is cached separately from a full
// retrieval of the same query.
func (r *Retriever) FirstPage(ctx context.Context, q Query) (json.RawMessage, error) {
	params := make(map[string]any, len(q.Params)+1)
	for k, v := range q.Params {
		params[k] = v
	}
	params["max_pages"] = 1
	q.Params = params

	pages, err := r.retrieve(ctx, q, 1, false)
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return pages[0], nil
}

// retrieve pages until a short page or maxPages. warn logs when the page
// limit cut the result short.
func (r *Retriever) retrieve(ctx context.Context, q Query, maxPages int, warn bool) ([]json.RawMessage, error) {
	token, err := r.conn.Token(ctx)
	if err != nil {
		return nil, &CredentialError{Cause: err}
	}
	if token == "" {
		return nil, &CredentialError{}
	}

	key := CacheKey(q)
	log := r.logger.With("caller_id", q.CallerID, "cache_key", key, "tool", q.Tool)

	if pages, found, err := r.cache.Get(ctx, key); err != nil {
		log.Warn("cache read failed, fetching", "error", err)
	} else if found {
		log.Debug("cache hit", "pages", len(pages))
		return pages, nil
	}

	pages := make([]json.RawMessage, 0, 1)
	start := 1
	for n := 0; ; n++ {
		if n >= maxPages {
			if warn {
				log.Warn("page limit reached, result truncated", "max_pages", maxPages)
			}
			break
		}

		log.Info("api call", "start_position", start, "page_size", r.cfg.PageSize, "statement", q.Statement)
		page, err := r.fetcher.FetchPage(ctx, token, q, start, r.cfg.PageSize)
		if err != nil {
			return nil, err
		}
		pages = append(pages, page.Payload)

		if page.Count < r.cfg.PageSize {
			break
		}
		start += r.cfg.PageSize
	}

	if err := r.cache.Put(ctx, key, pages); err != nil {
		log.Warn("cache write failed", "error", err)
	}
	return pages, nil
}

// StaticConnection serves a fixed access token.
type StaticConnection string

// Token returns the configured token.
func (c StaticConnection) Token(ctx context.Context) (string, error) {
	return string(c), nil
}
