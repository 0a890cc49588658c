package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aquamans/pondwatch/internal/database"
	"github.com/aquamans/pondwatch/internal/notification"
	"github.com/aquamans/pondwatch/internal/protocol"
	"github.com/aquamans/pondwatch/internal/retry"
)

func noWait(ctx context.Context, d time.Duration) error { return ctx.Err() }

type mockStore struct {
	inserted  []*database.Reading
	updates   [][2]int
	insertErr error
	updateErr error
	snapshot  *database.WaterQuality
	snapErr   error
}

func (m *mockStore) InsertReading(_ context.Context, r *database.Reading) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	r.ID = int64(len(m.inserted) + 1)
	m.inserted = append(m.inserted, r)
	return nil
}

func (m *mockStore) UpdateLatestCounts(_ context.Context, live, dead int) (int64, error) {
	if m.updateErr != nil {
		return 0, m.updateErr
	}
	m.updates = append(m.updates, [2]int{live, dead})
	return 1, nil
}

func (m *mockStore) LatestSnapshot(context.Context) (*database.WaterQuality, error) {
	return m.snapshot, m.snapErr
}

type mockSink struct {
	alerts []*protocol.DeadFishAlert
	err    error
}

func (s *mockSink) PublishAlert(_ context.Context, a *protocol.DeadFishAlert) error {
	s.alerts = append(s.alerts, a)
	return s.err
}

func snapshot() *database.WaterQuality {
	return &database.WaterQuality{Temperature: 28, TempResult: "Normal", Oxygen: 5.5, OxygenResult: "Normal"}
}

func TestStorePort_WriteEvidenceCopiesSnapshot(t *testing.T) {
	store := &mockStore{snapshot: snapshot()}
	sink := &mockSink{}
	p := NewStorePort(store, store, sink, zerolog.Nop())
	at := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	id, err := p.WriteEvidence(context.Background(), Evidence{Live: 4, Dead: 1, JPEG: []byte{1, 2}, CapturedAt: at})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	require.Len(t, store.inserted, 1)
	r := store.inserted[0]
	assert.Equal(t, 28.0, r.Temperature)
	assert.Equal(t, "Normal", r.OxygenResult)
	assert.Equal(t, 4, r.Catfish)
	assert.Equal(t, 1, r.DeadCatfish)
	assert.Equal(t, at, r.TimeData)
	assert.Equal(t, []byte{1, 2}, r.DeadCatfishImage)

	require.Len(t, sink.alerts, 1)
	assert.Equal(t, protocol.AlertTypeDeadFish, sink.alerts[0].Type)
	assert.Equal(t, int64(1), sink.alerts[0].ReadingID)
	assert.Equal(t, 5.5, sink.alerts[0].Water.Oxygen)
}

func TestStorePort_AlertFailureDoesNotFailWrite(t *testing.T) {
	store := &mockStore{snapshot: snapshot()}
	p := NewStorePort(store, store, &mockSink{err: errors.New("broker down")}, zerolog.Nop())

	_, err := p.WriteEvidence(context.Background(), Evidence{Dead: 1, JPEG: []byte{1}, CapturedAt: time.Now()})
	assert.NoError(t, err)
	assert.Len(t, store.inserted, 1)
}

// stallingSink never returns before its ctx ends
type stallingSink struct {
	calls int32
}

func (s *stallingSink) PublishAlert(ctx context.Context, _ *protocol.DeadFishAlert) error {
	atomic.AddInt32(&s.calls, 1)
	<-ctx.Done()
	return ctx.Err()
}

func TestStorePort_StalledAlertSinkDoesNotBlockWrite(t *testing.T) {
	store := &mockStore{snapshot: snapshot()}
	sink := &stallingSink{}
	alerts := notification.NewDispatcher(sink, 4, 50*time.Millisecond, zerolog.Nop())
	p := NewStorePort(store, store, alerts, zerolog.Nop())

	start := time.Now()
	id, err := p.WriteEvidence(context.Background(), Evidence{Dead: 1, JPEG: []byte{1}, CapturedAt: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Len(t, store.inserted, 1)

	alerts.Close()
	assert.Equal(t, int32(1), atomic.LoadInt32(&sink.calls))
	assert.Equal(t, uint64(1), alerts.Stats().Failed)
}

func TestStorePort_NoSnapshotIsPermanent(t *testing.T) {
	store := &mockStore{snapErr: database.ErrNoReading}
	p := NewStorePort(store, store, nil, zerolog.Nop())

	_, err := p.WriteEvidence(context.Background(), Evidence{Dead: 1})
	assert.True(t, retry.IsPermanent(err))
	assert.ErrorIs(t, err, ErrNoSnapshot)
	assert.Empty(t, store.inserted)
}

func TestStorePort_UpdateCounts(t *testing.T) {
	store := &mockStore{}
	p := NewStorePort(store, store, nil, zerolog.Nop())

	require.NoError(t, p.UpdateCounts(context.Background(), 7, 2))
	assert.Equal(t, [][2]int{{7, 2}}, store.updates)

	store.updateErr = database.ErrNoReading
	err := p.UpdateCounts(context.Background(), 1, 0)
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

// flakyPort fails the first n calls of each operation.
type flakyPort struct {
	failures int
	calls    int
	err      error
}

func (f *flakyPort) UpdateCounts(context.Context, int, int) error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func (f *flakyPort) WriteEvidence(context.Context, Evidence) (int64, error) {
	f.calls++
	if f.calls <= f.failures {
		return 0, f.err
	}
	return 99, nil
}

func TestRetryingPort_InvocationCounts(t *testing.T) {
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, Wait: noWait}

	for k := 0; k < 3; k++ {
		inner := &flakyPort{failures: k, err: errors.New("connection reset")}
		p := WithRetry(inner, policy, zerolog.Nop())

		id, err := p.WriteEvidence(context.Background(), Evidence{Dead: 1})
		require.NoError(t, err, "k=%d", k)
		assert.Equal(t, int64(99), id)
		assert.Equal(t, k+1, inner.calls, "k=%d", k)
	}
}

func TestRetryingPort_DropsAfterMaxAttempts(t *testing.T) {
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, Wait: noWait}
	cause := errors.New("database unavailable")
	inner := &flakyPort{failures: 10, err: cause}
	p := WithRetry(inner, policy, zerolog.Nop())

	_, err := p.WriteEvidence(context.Background(), Evidence{Dead: 1})

	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 3, perr.Attempts)
	assert.Equal(t, "write_evidence", perr.Op)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 3, inner.calls)
}

func TestRetryingPort_PermanentNotRetried(t *testing.T) {
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, Wait: noWait}
	inner := &flakyPort{failures: 10, err: retry.Permanent(ErrNoSnapshot)}
	p := WithRetry(inner, policy, zerolog.Nop())

	err := p.UpdateCounts(context.Background(), 1, 1)

	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 1, inner.calls)
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func newTestHTTPPort(url string) *HTTPPort {
	p := NewHTTPPort(url, time.Second, zerolog.Nop())
	p.client.RetryWaitMin = time.Millisecond
	p.client.RetryWaitMax = time.Millisecond
	return p
}

func TestHTTPPort_RetriesTransientStatus(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		assert.Equal(t, "/update_detection", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		if n == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		var req protocol.UpdateDetectionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 3, *req.Catfish)
		assert.Equal(t, 1, *req.DeadCatfish)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"success","message":"Detection data updated successfully"}`))
	}))
	defer srv.Close()

	err := newTestHTTPPort(srv.URL).UpdateCounts(context.Background(), 3, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestHTTPPort_ClientErrorNotRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"status":"error","message":"No data provided"}`))
	}))
	defer srv.Close()

	err := newTestHTTPPort(srv.URL).UpdateCounts(context.Background(), 3, 1)
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
	assert.Contains(t, err.Error(), "No data provided")
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestHTTPPort_NotFoundMeansNoSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"status":"error","message":"No record found to update"}`))
	}))
	defer srv.Close()

	err := newTestHTTPPort(srv.URL).UpdateCounts(context.Background(), 3, 1)
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestHTTPPort_ServerErrorExhaustsInnerRetries(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestHTTPPort(srv.URL).WriteEvidence(context.Background(), Evidence{Dead: 1, JPEG: []byte{1}, CapturedAt: time.Now()})
	require.Error(t, err)
	assert.False(t, retry.IsPermanent(err), "5xx should stay retryable for the outer policy")
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestHTTPPort_WriteEvidence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/detection_evidence", r.URL.Path)
		var req protocol.EvidenceRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []byte{0xff, 0xd8}, req.Image)
		assert.Equal(t, 2, req.DeadCatfish)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"status":"success","data":{"id":17}}`))
	}))
	defer srv.Close()

	id, err := newTestHTTPPort(srv.URL).WriteEvidence(context.Background(), Evidence{
		Live: 5, Dead: 2, JPEG: []byte{0xff, 0xd8}, CapturedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(17), id)
}

func TestHTTPPort_MalformedEvidenceResponse(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"status":"success","data":"oops"}`))
	}))
	defer srv.Close()

	p := WithRetry(newTestHTTPPort(srv.URL), retry.Policy{MaxAttempts: 3, Wait: noWait}, zerolog.Nop())
	id, err := p.WriteEvidence(context.Background(), Evidence{Dead: 1, JPEG: []byte{1}, CapturedAt: time.Now()})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid evidence response")
	assert.Zero(t, id)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "a stored row must not be posted twice")
}

func TestJitteredBackoff(t *testing.T) {
	d := jitteredBackoff(time.Millisecond, time.Minute, 1, &http.Response{
		StatusCode: http.StatusTooManyRequests,
		Header:     http.Header{"Retry-After": []string{"3"}},
	})
	assert.Equal(t, 3*time.Second, d)

	for i := 0; i < 50; i++ {
		d := jitteredBackoff(time.Second, time.Minute, 1, nil)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}
}
