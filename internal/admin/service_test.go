package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderedsub/orderedsub/internal/auth"
	"github.com/orderedsub/orderedsub/internal/sequencer"
)

type fakeKeys struct {
	mu       sync.Mutex
	keys     map[string]sequencer.KeyStatus
	resumed  []string
	released []string
}

func newFakeKeys(statuses ...sequencer.KeyStatus) *fakeKeys {
	f := &fakeKeys{keys: make(map[string]sequencer.KeyStatus)}
	for _, st := range statuses {
		f.keys[st.Key] = st
	}
	return f
}

func (f *fakeKeys) Resume(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.keys[key]
	if !ok {
		return sequencer.ErrUnknownKey
	}
	st.Paused = false
	f.keys[key] = st
	f.resumed = append(f.resumed, key)
	return nil
}

func (f *fakeKeys) Release(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.keys[key]
	if !ok {
		return sequencer.ErrUnknownKey
	}
	st.Paused = false
	st.Awaiting = ""
	f.keys[key] = st
	f.released = append(f.released, key)
	return nil
}

func (f *fakeKeys) Status(key string) (sequencer.KeyStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.keys[key]
	if !ok {
		return sequencer.KeyStatus{}, sequencer.ErrUnknownKey
	}
	return st, nil
}

func (f *fakeKeys) Snapshot() []sequencer.KeyStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sequencer.KeyStatus, 0, len(f.keys))
	for _, k := range []string{"a", "b", "c/d"} {
		if st, ok := f.keys[k]; ok {
			out = append(out, st)
		}
	}
	return out
}

func (f *fakeKeys) Buffered() int64 { return 7 }

type fixture struct {
	keys    *fakeKeys
	tokens  *auth.TokenManager
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()
	keys := newFakeKeys(
		sequencer.KeyStatus{Key: "a", Paused: true, Awaiting: "m-1", Failures: 2},
		sequencer.KeyStatus{Key: "b", Pending: 3},
		sequencer.KeyStatus{Key: "c/d", Paused: true},
	)
	tokens := auth.NewTokenManager("secret", time.Minute)
	svc := NewService(&Config{CORSOrigins: []string{"https://ops.example.com"}}, keys, tokens, nil, logger)
	return &fixture{keys: keys, tokens: tokens, handler: svc.Handler()}
}

func (f *fixture) do(t *testing.T, method, path, role string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if role != "" {
		token, _, err := f.tokens.Generate("alice", role)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	h := decode[HealthResponse](t, rec)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "orderedsub", h.Service)
	assert.Equal(t, 3, h.Keys)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListKeys(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "GET", "/api/v1/keys", auth.RoleViewer)
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[KeyListResponse](t, rec)
	assert.Equal(t, 3, all.Total)
	assert.Equal(t, 2, all.Paused)
	assert.Equal(t, int64(7), all.Buffered)

	rec = f.do(t, "GET", "/api/v1/keys?paused=true", auth.RoleViewer)
	require.Equal(t, http.StatusOK, rec.Code)
	paused := decode[KeyListResponse](t, rec)
	require.Len(t, paused.Keys, 2)
	assert.Equal(t, "a", paused.Keys[0].Key)
	assert.Equal(t, "c/d", paused.Keys[1].Key)
}

func TestGetKey(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "GET", "/api/v1/keys/a", auth.RoleViewer)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[sequencer.KeyStatus](t, rec)
	assert.True(t, st.Paused)
	assert.Equal(t, "m-1", st.Awaiting)

	rec = f.do(t, "GET", "/api/v1/keys/c%2Fd", auth.RoleViewer)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "c/d", decode[sequencer.KeyStatus](t, rec).Key)

	rec = f.do(t, "GET", "/api/v1/keys/missing", auth.RoleViewer)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReadRequiresToken(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "GET", "/api/v1/keys", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	req := httptest.NewRequest("GET", "/api/v1/keys", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestResumeKey(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/api/v1/keys/a/resume", auth.RoleOperator)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[KeyActionResponse](t, rec)
	assert.Equal(t, "a", resp.Key)
	assert.Equal(t, "resume", resp.Action)
	assert.Equal(t, "alice", resp.Operator)
	assert.False(t, resp.Status.Paused)
	assert.Equal(t, "m-1", resp.Status.Awaiting)
	assert.Equal(t, []string{"a"}, f.keys.resumed)
}

func TestReleaseKey(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/api/v1/keys/c%2Fd/release", auth.RoleOperator)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"c/d"}, f.keys.released)

	rec = f.do(t, "POST", "/api/v1/keys/missing/release", auth.RoleOperator)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestActionsRequireOperator(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/api/v1/keys/a/resume", auth.RoleViewer)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, "POST", "/api/v1/keys/a/release", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Empty(t, f.keys.resumed)
	assert.Empty(t, f.keys.released)
}

func TestCORS(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest("OPTIONS", "/api/v1/keys", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, "https://ops.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest("OPTIONS", "/api/v1/keys", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRespondKeyError(t *testing.T) {
	logger, hook := test.NewNullLogger()
	svc := NewService(nil, newFakeKeys(), auth.NewTokenManager("s", time.Minute), nil, logger)

	rec := httptest.NewRecorder()
	svc.respondKeyError(rec, "k", errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "Key operation failed", hook.LastEntry().Message)
}
