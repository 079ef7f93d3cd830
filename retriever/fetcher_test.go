package retriever

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/richinex/ledgerline/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryFetcherRequest(t *testing.T) {
	var gotQuery, gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("query")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"QueryResponse":{"Bill":[{"Id":"1"},{"Id":"2"}],"startPosition":1,"maxResults":2},"time":"2025-01-01T00:00:00Z"}`)
	}))
	defer srv.Close()

	f := NewQueryFetcher(srv.URL+"/", "4620816365", time.Second).WithMinorVersion("75")
	page, err := f.FetchPage(context.Background(), "tok", Query{Statement: "SELECT * FROM Bill ORDER BY Id"}, 11, 10)
	require.NoError(t, err)

	assert.Equal(t, "/v3/company/4620816365/query", gotPath)
	assert.Equal(t, "SELECT * FROM Bill ORDER BY Id STARTPOSITION 11 MAXRESULTS 10", gotQuery)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, 2, page.Count)
	assert.Contains(t, string(page.Payload), `"Bill"`)
}

func TestQueryFetcherHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"fault":{"error":[{"message":"AuthenticationFailed"}]}}`)
	}))
	defer srv.Close()

	f := NewQueryFetcher(srv.URL, "1", time.Second)
	_, err := f.FetchPage(context.Background(), "tok", Query{Statement: "SELECT * FROM Bill"}, 1, 10)

	var transport *tools.TransportError
	require.ErrorAs(t, err, &transport)
	assert.Equal(t, 401, transport.StatusCode)
	assert.Contains(t, err.Error(), "AuthenticationFailed")
}

func TestQueryFetcherTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f := NewQueryFetcher(srv.URL, "1", 50*time.Millisecond)
	_, err := f.FetchPage(context.Background(), "tok", Query{Statement: "SELECT * FROM Bill"}, 1, 10)

	var transport *tools.TransportError
	require.ErrorAs(t, err, &transport)
	assert.Nil(t, tools.StatusCode(err))
}

func TestItemCount(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"entity list", `{"QueryResponse":{"Invoice":[{},{},{}],"maxResults":3}}`, 3},
		{"count only", `{"QueryResponse":{"totalCount":42}}`, 0},
		{"empty response", `{"QueryResponse":{}}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ItemCount([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ItemCount([]byte(`not json`))
	assert.Error(t, err)
}
