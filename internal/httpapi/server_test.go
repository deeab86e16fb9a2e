package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-sentinel/internal/model"
	"listing-sentinel/internal/ratelimit"
	"listing-sentinel/internal/service"
	"listing-sentinel/internal/storage"
)

type stubSweeper struct {
	last   *service.SweepReport
	err    error
	called int
}

func (s *stubSweeper) Sweep(context.Context, time.Time) (service.SweepReport, error) {
	s.called++
	report := service.SweepReport{Listings: 3, Alerts: 1}
	if s.err != nil {
		report.Error = s.err.Error()
	}
	return report, s.err
}

func (s *stubSweeper) LastReport() (service.SweepReport, bool) {
	if s.last == nil {
		return service.SweepReport{}, false
	}
	return *s.last, true
}

type stubUsage struct{}

func (stubUsage) Usage() ratelimit.Usage {
	return ratelimit.Usage{RequestsUsed: 4, RequestsRemaining: 26, TokensUsed: 400, TokensRemaining: 5600}
}

type brokenStore struct{ *storage.Memory }

func (brokenStore) Ping(context.Context) error { return errors.New("db down") }

func do(t *testing.T, srv *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHealth(t *testing.T) {
	srv := New(&stubSweeper{}, nil, storage.NewMemory(), zerolog.Nop())
	rec := do(t, srv, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy"`)

	srv = New(&stubSweeper{}, nil, brokenStore{storage.NewMemory()}, zerolog.Nop())
	rec = do(t, srv, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatus(t *testing.T) {
	sweeper := &stubSweeper{last: &service.SweepReport{Listings: 2, Alerts: 1}}
	srv := New(sweeper, stubUsage{}, storage.NewMemory(), zerolog.Nop())

	rec := do(t, srv, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.LastSweep)
	assert.Equal(t, 2, body.LastSweep.Listings)
	require.NotNil(t, body.RateLimit)
	assert.Equal(t, 26, body.RateLimit.RequestsRemaining)
}

func TestSweepTrigger(t *testing.T) {
	sweeper := &stubSweeper{}
	srv := New(sweeper, nil, storage.NewMemory(), zerolog.Nop())

	rec := do(t, srv, http.MethodPost, "/sweep")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, sweeper.called)

	rec = do(t, srv, http.MethodGet, "/sweep")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	sweeper.err = service.ErrSweepRunning
	rec = do(t, srv, http.MethodPost, "/sweep")
	assert.Equal(t, http.StatusConflict, rec.Code)

	sweeper.err = errors.New("store unavailable")
	rec = do(t, srv, http.MethodPost, "/sweep")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "store unavailable")
}

func TestAlerts(t *testing.T) {
	mem := storage.NewMemory()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"e1", "e2", "e3"} {
		require.NoError(t, mem.AppendAlert(context.Background(), model.AlertEvent{
			ID: id, Kind: model.AlertPriceDrop, ListingID: "a", At: base.Add(time.Duration(i) * time.Hour),
		}))
	}
	srv := New(&stubSweeper{}, nil, mem, zerolog.Nop())

	rec := do(t, srv, http.MethodGet, "/alerts?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	var alerts []model.AlertEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alerts))
	require.Len(t, alerts, 2)
	assert.Equal(t, "e3", alerts[0].ID)

	rec = do(t, srv, http.MethodGet, "/alerts?limit=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListings(t *testing.T) {
	mem := storage.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.UpsertSnapshot(ctx, model.ListingSnapshot{ListingID: "iphone-15", Price: 56000}))
	require.NoError(t, mem.UpsertSnapshot(ctx, model.ListingSnapshot{ListingID: "iphone-15", Price: 52000}))
	srv := New(&stubSweeper{}, nil, mem, zerolog.Nop())

	rec := do(t, srv, http.MethodGet, "/listings/iphone-15")
	require.Equal(t, http.StatusOK, rec.Code)
	var body listingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(52000), body.Current.Price)
	require.NotNil(t, body.Previous)
	assert.Equal(t, int64(56000), body.Previous.Price)

	rec = do(t, srv, http.MethodGet, "/listings/unknown")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv, http.MethodGet, "/listings")
	require.Equal(t, http.StatusOK, rec.Code)
	var snaps []model.ListingSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snaps))
	assert.Len(t, snaps, 1)
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	srv := New(&stubSweeper{}, nil, storage.NewMemory(), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx, "127.0.0.1:0", time.Second) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
