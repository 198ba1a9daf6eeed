package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"lprewards/services/rewardd/auth"
	"lprewards/services/rewardd/storage"
)

type replayFixture struct {
	replayer *Replayer
	now      time.Time
	calls    int
	handler  http.Handler
}

func newReplayFixture(t *testing.T, status int, body string) *replayFixture {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	fx := &replayFixture{
		replayer: NewReplayer(store.DB()),
		now:      time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}
	fx.replayer.SetClock(func() time.Time { return fx.now })
	fx.handler = fx.replayer.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fx.calls++
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	return fx
}

func (fx *replayFixture) do(t *testing.T, subject, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/claims", strings.NewReader("{}"))
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	if subject != "" {
		claims := &auth.Claims{Subject: subject, Role: auth.RoleProvider}
		req = req.WithContext(auth.WithClaims(req.Context(), claims))
	}
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)
	return rec
}

func TestReplayerPinsFirstResponse(t *testing.T) {
	fx := newReplayFixture(t, http.StatusOK, `{"lot":1}`)

	first := fx.do(t, "alice", "key-1")
	second := fx.do(t, "alice", "key-1")
	if fx.calls != 1 {
		t.Fatalf("handler calls = %d, want 1", fx.calls)
	}
	if second.Code != first.Code || second.Body.String() != first.Body.String() {
		t.Fatalf("replay diverged: %d %q vs %d %q",
			first.Code, first.Body.String(), second.Code, second.Body.String())
	}
}

func TestReplayerScopesKeysPerSubject(t *testing.T) {
	fx := newReplayFixture(t, http.StatusOK, `{"lot":1}`)

	fx.do(t, "alice", "key-1")
	fx.do(t, "bob", "key-1")
	if fx.calls != 2 {
		t.Fatalf("handler calls = %d, same key from another subject must execute", fx.calls)
	}
}

func TestReplayerExpiresPinnedResponses(t *testing.T) {
	fx := newReplayFixture(t, http.StatusOK, `{"lot":1}`)

	fx.do(t, "alice", "key-1")
	fx.now = fx.now.Add(25 * time.Hour)
	fx.do(t, "alice", "key-1")
	if fx.calls != 2 {
		t.Fatalf("handler calls = %d, expired key must execute again", fx.calls)
	}
}

func TestReplayerDoesNotPinServerErrors(t *testing.T) {
	fx := newReplayFixture(t, http.StatusBadGateway, "upstream unavailable")

	fx.do(t, "alice", "key-1")
	fx.do(t, "alice", "key-1")
	if fx.calls != 2 {
		t.Fatalf("handler calls = %d, server errors must stay retryable", fx.calls)
	}
}

func TestReplayerIgnoresUnauthenticatedRequests(t *testing.T) {
	fx := newReplayFixture(t, http.StatusOK, `{"lot":1}`)

	fx.do(t, "", "key-1")
	fx.do(t, "", "key-1")
	if fx.calls != 2 {
		t.Fatalf("handler calls = %d, anonymous requests bypass pinning", fx.calls)
	}
}
