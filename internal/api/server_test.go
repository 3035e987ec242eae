package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/url-frontier/internal/config"
	"github.com/JakeFAU/url-frontier/internal/frontier"
	"github.com/JakeFAU/url-frontier/internal/storage/memory"
	"github.com/JakeFAU/url-frontier/internal/storage/storetest"
)

func TestServer_AddEntries_ReportsOutcomes(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, nil)
	body := `{"records":[
		{"url":"https://example.com/a","link_depth":1},
		{"url":"HTTPS://Example.com/a","link_depth":1},
		{"url":"mailto:someone@example.com"},
		{"url":"https://example.com/b","link_depth":2}
	]}`
	rec := do(t, server, http.MethodPost, "/v1/entries", body)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp addEntriesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Inserted)
	require.Equal(t, 1, resp.Skipped)
	require.Len(t, resp.Invalid, 1)
	require.Equal(t, 2, resp.Invalid[0].Index)
	require.NotEmpty(t, resp.Invalid[0].Error)
}

func TestServer_AddEntries_BadRequests(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, nil)

	rec := do(t, server, http.MethodPost, "/v1/entries", "{invalid")
	require.Equal(t, http.StatusBadRequest, rec.Code)

}

func TestServer_AddEntries_EmptyListIsNoop(t *testing.T) {
	t.Parallel()

	server, store := newTestServer(t, nil)
	rec := do(t, server, http.MethodPost, "/v1/entries", `{"records":[]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"inserted":0,"skipped":0,"invalid":[]}`, rec.Body.String())
	n, err := store.CountPending(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestServer_ClaimAndMarkDone(t *testing.T) {
	t.Parallel()

	server, store := newTestServer(t, nil)
	rec := do(t, server, http.MethodPost, "/v1/entries",
		`{"records":[{"url":"https://example.com/deep","link_depth":3},{"url":"https://example.com/","link_depth":0}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, server, http.MethodPost, "/v1/claims", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var entry frontier.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	require.Equal(t, "https://example.com/", entry.URL)
	require.Equal(t, frontier.StateInFlight, entry.State)

	rec = do(t, server, http.MethodPost, fmt.Sprintf("/v1/entries/%d/done", entry.ID), "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	stored, ok := store.Get(entry.ID)
	require.True(t, ok)
	require.Equal(t, frontier.StateDone, stored.State)

	rec = do(t, server, http.MethodPost, fmt.Sprintf("/v1/entries/%d/done", entry.ID), "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Claim_EmptyFrontier(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, nil)
	rec := do(t, server, http.MethodPost, "/v1/claims", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Empty(t, rec.Body.String())
}

func TestServer_MarkDone_InvalidID(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, nil)
	for _, id := range []string{"abc", "0", "-4"} {
		rec := do(t, server, http.MethodPost, "/v1/entries/"+id+"/done", "")
		require.Equal(t, http.StatusBadRequest, rec.Code, "id %q", id)
	}
}

func TestServer_Requeue(t *testing.T) {
	t.Parallel()

	clock := storetest.NewClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	server, _ := newTestServer(t, clock)
	do(t, server, http.MethodPost, "/v1/entries", `{"records":[{"url":"https://example.com/a"}]}`)
	rec := do(t, server, http.MethodPost, "/v1/claims", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, server, http.MethodPost, "/v1/requeue", `{"max_age":"5m"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"reclaimed":0}`, rec.Body.String())

	clock.Advance(6 * time.Minute)
	rec = do(t, server, http.MethodPost, "/v1/requeue", `{"max_age":"5m"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"reclaimed":1}`, rec.Body.String())

	rec = do(t, server, http.MethodPost, "/v1/requeue", `{"max_age":"soon"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Requeue_DefaultsToStaleAfter(t *testing.T) {
	t.Parallel()

	clock := storetest.NewClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	server, _ := newTestServer(t, clock)
	do(t, server, http.MethodPost, "/v1/entries", `{"records":[{"url":"https://example.com/a"}]}`)
	do(t, server, http.MethodPost, "/v1/claims", "")
	clock.Advance(11 * time.Minute)

	rec := do(t, server, http.MethodPost, "/v1/requeue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"reclaimed":1}`, rec.Body.String())
}

func TestServer_StatsAndClear(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, nil)
	do(t, server, http.MethodPost, "/v1/entries",
		`{"records":[{"url":"https://example.com/a"},{"url":"https://example.com/b"}]}`)
	do(t, server, http.MethodPost, "/v1/claims", "")

	rec := do(t, server, http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"pending":1,"in_flight":1,"done":0,"has_work":true}`, rec.Body.String())

	rec = do(t, server, http.MethodDelete, "/v1/entries", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, server, http.MethodGet, "/v1/stats", "")
	require.JSONEq(t, `{"pending":0,"in_flight":0,"done":0,"has_work":false}`, rec.Body.String())
}

func TestServer_StoreUnavailable(t *testing.T) {
	t.Parallel()

	store := &frontier.MockStore{}
	unavailable := fmt.Errorf("dial: %w", frontier.ErrStoreUnavailable)
	store.On("ClaimOne", mock.Anything).Return(frontier.Entry{}, false, unavailable)
	store.On("Stats", mock.Anything).Return(frontier.Stats{}, unavailable)
	server := NewServer(frontier.New(store), testConfig(), zap.NewNop())

	rec := do(t, server, http.MethodPost, "/v1/claims", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))

	rec = do(t, server, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	store.AssertExpectations(t)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, nil)
	require.Equal(t, http.StatusOK, do(t, server, http.MethodGet, "/healthz", "").Code)
	require.Equal(t, http.StatusOK, do(t, server, http.MethodGet, "/readyz", "").Code)

	rec := do(t, server, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	server := NewServer(frontier.New(memory.NewEntryStore(nil)), cfg, zap.NewNop())

	rec := do(t, server, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	for _, key := range []string{"secreT", "secre", "secret2"} {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set("X-API-Key", key)
		rec = httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusForbidden, rec.Code, "key %q", key)
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz?api_key=secret", nil)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RecoversFromPanics(t *testing.T) {
	t.Parallel()

	server := NewServer(panicFrontier{}, testConfig(), zap.NewNop())
	rec := do(t, server, http.MethodPost, "/v1/claims", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, nil)
	rec := do(t, server, http.MethodGet, "/healthz", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "caller-id")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "caller-id", rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

func testConfig() config.Config {
	return config.Config{
		Server:   config.ServerConfig{Port: 8080, RequestTimeout: 5 * time.Second, MaxBodyBytes: 1 << 20},
		Logging:  config.LoggingConfig{Development: true},
		Frontier: config.FrontierConfig{StaleAfter: 10 * time.Minute},
	}
}

func newTestServer(t *testing.T, clock frontier.Clock) (*Server, *memory.EntryStore) {
	t.Helper()
	store := memory.NewEntryStore(clock)
	return NewServer(frontier.New(store), testConfig(), zap.NewNop()), store
}

func do(t *testing.T, server *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

type panicFrontier struct {
	Frontier
}

func (panicFrontier) ClaimNext(context.Context) (frontier.Entry, bool, error) {
	panic("claim exploded")
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
