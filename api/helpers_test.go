package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/warp/xp-engine/progression"
	"github.com/warp/xp-engine/rewards"
	"github.com/warp/xp-engine/store/sqlite"
)

// =============================================================================
// TEST SERVER
// =============================================================================

type testClock struct {
	now atomic.Int64
}

func newTestClock() *testClock {
	c := &testClock{}
	c.now.Store(time.Date(2025, time.January, 1, 9, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func (c *testClock) Now() time.Time          { return time.Unix(0, c.now.Load()).UTC() }
func (c *testClock) Advance(d time.Duration) { c.now.Add(int64(d)) }

type testServer struct {
	t      *testing.T
	store  *sqlite.Store
	engine *progression.Engine
	h      *Handler
	router http.Handler
	clock  *testClock
}

type serverOption func(*progression.Options, *progression.TxStore)

func withRetention(d time.Duration) serverOption {
	return func(o *progression.Options, _ *progression.TxStore) { o.LockRetention = d }
}

// withFailingWrites makes every transaction append fail.
func withFailingWrites() serverOption {
	return func(_ *progression.Options, s *progression.TxStore) {
		*s = &failingStore{TxStore: *s}
	}
}

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := newTestClock()
	engineOpts := progression.Options{Now: clock.Now}
	var txStore progression.TxStore = store
	for _, opt := range opts {
		opt(&engineOpts, &txStore)
	}

	engine := progression.NewEngine(txStore, engineOpts)
	h := NewHandler(engine, rewards.DefaultRules(), store, nil)
	return &testServer{
		t:      t,
		store:  store,
		engine: engine,
		h:      h,
		router: NewRouter(h, RouterOptions{}),
		clock:  clock,
	}
}

func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(s.t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) createUser(id string) {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/users", CreateUserRequest{UserID: id})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (s *testServer) awardXP(user string, body string) *httptest.ResponseRecorder {
	s.t.Helper()
	return s.do(http.MethodPost, "/api/users/"+user+"/xp", body)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// =============================================================================
// FAULT INJECTION
// =============================================================================

var errDiskFull = errors.New("disk full")

type failingStore struct {
	progression.TxStore
}

func (f *failingStore) WithTx(ctx context.Context, fn func(progression.Tx) error) error {
	return f.TxStore.WithTx(ctx, func(tx progression.Tx) error {
		return fn(&failingTx{Tx: tx})
	})
}

type failingTx struct {
	progression.Tx
}

func (f *failingTx) AppendTransaction(context.Context, progression.Transaction) error {
	return errDiskFull
}
