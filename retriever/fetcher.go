// Accounting API page fetcher.
//
// Information Hiding:
// - HTTP client implementation details hidden
// - Query endpoint URL layout and pagination clauses hidden
// - Response shape inspection for item counts hidden

package retriever

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/richinex/ledgerline/tools"
)

const (
	defaultFetchTimeout = 30 * time.Second
	maxResponseBytes    = 32 << 20
)

// QueryFetcher fetches pages from the accounting query endpoint:
// GET {BaseURL}/v3/company/{RealmID}/query?query=<statement> STARTPOSITION s MAXRESULTS n
type QueryFetcher struct {
	baseURL      string
	realmID      string
	minorVersion string
	client       *http.Client
	timeout      time.Duration
}

// NewQueryFetcher creates a fetcher with a fixed per-call timeout.
func NewQueryFetcher(baseURL, realmID string, timeout time.Duration) *QueryFetcher {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &QueryFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		realmID: realmID,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// WithMinorVersion pins the API minor version sent with each request.
func (f *QueryFetcher) WithMinorVersion(v string) *QueryFetcher {
	f.minorVersion = v
	return f
}

// FetchPage requests one page. Non-2xx responses become TransportErrors.
func (f *QueryFetcher) FetchPage(ctx context.Context, token string, q Query, start, size int) (Page, error) {
	statement := fmt.Sprintf("%s STARTPOSITION %d MAXRESULTS %d", strings.TrimSpace(q.Statement), start, size)

	params := url.Values{}
	params.Set("query", statement)
	if f.minorVersion != "" {
		params.Set("minorversion", f.minorVersion)
	}
	endpoint := fmt.Sprintf("%s/v3/company/%s/query?%s", f.baseURL, url.PathEscape(f.realmID), params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Page{}, &tools.TransportError{Op: "query", Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Page{}, &tools.TransportError{Op: "query", Err: fmt.Errorf("request timed out after %s", f.timeout)}
		}
		return Page{}, &tools.TransportError{Op: "query", Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Page{}, &tools.TransportError{Op: "query", StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Page{}, &tools.TransportError{Op: "query", StatusCode: resp.StatusCode, Err: errors.New(summarize(body))}
	}

	count, err := ItemCount(body)
	if err != nil {
		return Page{}, &tools.TransportError{Op: "query", StatusCode: resp.StatusCode, Err: err}
	}
	return Page{Payload: json.RawMessage(body), Count: count}, nil
}

// ItemCount returns the number of entities in a query response page:
// the length of the first array inside QueryResponse.
func ItemCount(body []byte) (int, error) {
	var envelope struct {
		QueryResponse map[string]json.RawMessage `json:"QueryResponse"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return 0, fmt.Errorf("invalid query response: %w", err)
	}
	for _, raw := range envelope.QueryResponse {
		trimmed := strings.TrimSpace(string(raw))
		if !strings.HasPrefix(trimmed, "[") {
			continue
		}
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return 0, fmt.Errorf("invalid entity list: %w", err)
		}
		return len(items), nil
	}
	return 0, nil
}

func summarize(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if s == "" {
		return "empty response body"
	}
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}

var _ Fetcher = (*QueryFetcher)(nil)
