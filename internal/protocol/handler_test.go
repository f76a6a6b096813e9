package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/treefix50/playsync/internal/media"
	"github.com/treefix50/playsync/internal/persistence"
	"github.com/treefix50/playsync/internal/session"
	"github.com/treefix50/playsync/internal/storage"
)

type frame struct {
	mt   int
	data []byte
}

// fakeConn feeds frames through an unbuffered channel: once a send returns,
// every earlier frame has been fully handled.
type fakeConn struct {
	in     chan frame
	closed chan struct{}
	once   sync.Once

	mu  sync.Mutex
	out [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan frame), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f, ok := <-c.in:
		if !ok {
			return 0, nil, io.EOF
		}
		return f.mt, f.data, nil
	case <-c.closed:
		return 0, nil, io.EOF
	}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	select {
	case <-c.closed:
		return errors.New("write on closed conn")
	default:
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.out = append(c.out, b)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) send(t *testing.T, v interface{}) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	c.sendRaw(t, b)
}

func (c *fakeConn) sendRaw(t *testing.T, b []byte) {
	t.Helper()
	select {
	case c.in <- frame{mt: websocket.TextMessage, data: b}:
	case <-time.After(5 * time.Second):
		t.Fatalf("handler did not read frame")
	}
}

// barrier returns once every frame sent before it has been applied.
func (c *fakeConn) barrier(t *testing.T) {
	t.Helper()
	select {
	case c.in <- frame{mt: websocket.PingMessage}:
	case <-time.After(5 * time.Second):
		t.Fatalf("handler did not reach barrier")
	}
}

func (c *fakeConn) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.out...)
}

type fakeRepo struct {
	mu      sync.Mutex
	rows    map[session.Key]string
	upserts int
	getErr  error
	putErr  error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{rows: make(map[session.Key]string)}
}

func (r *fakeRepo) GetSession(_ context.Context, userID, videoID string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return "", false, r.getErr
	}
	s, ok := r.rows[session.Key{UserID: userID, VideoID: videoID}]
	return s, ok, nil
}

func (r *fakeRepo) UpsertSession(_ context.Context, userID, videoID, stateJSON string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.putErr != nil {
		return r.putErr
	}
	r.upserts++
	r.rows[session.Key{UserID: userID, VideoID: videoID}] = stateJSON
	return nil
}

func (r *fakeRepo) upsertCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upserts
}

func (r *fakeRepo) stored(t *testing.T, key session.Key) session.Record {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.rows[key]
	require.True(t, ok, "no stored session for %s", key)
	rec, err := session.Unmarshal(data)
	require.NoError(t, err)
	return rec
}

type fakeCatalog map[string]media.Video

func (c fakeCatalog) GetVideo(_ context.Context, id string) (media.Video, bool, error) {
	v, ok := c[id]
	return v, ok, nil
}

var testKey = session.Key{UserID: "user-1", VideoID: "video-1"}

type harness struct {
	store   *session.MemoryStore
	repo    *fakeRepo
	handler *Handler
}

func newHarness(catalog VideoCatalog) *harness {
	store := session.NewMemoryStore()
	repo := newFakeRepo()
	return &harness{
		store:   store,
		repo:    repo,
		handler: NewHandler(store, repo, catalog, logr.Discard()),
	}
}

// attach starts Serve in the background and returns the conn plus a channel
// that yields Serve's result.
func (h *harness) attach(t *testing.T, key session.Key) (*fakeConn, <-chan error) {
	t.Helper()
	conn := newFakeConn()
	done := make(chan error, 1)
	go func() {
		done <- h.handler.Serve(context.Background(), conn, key.UserID, key.VideoID)
	}()
	return conn, done
}

func (h *harness) record(t *testing.T, key session.Key) session.Record {
	t.Helper()
	rec, ok, err := h.store.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	return rec
}

func disconnect(t *testing.T, conn *fakeConn, done <-chan error) {
	t.Helper()
	close(conn.in)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve did not return")
	}
}

func decodeStateSync(t *testing.T, b []byte) StateSync {
	t.Helper()
	var msg StateSync
	require.NoError(t, json.Unmarshal(b, &msg))
	require.Equal(t, TypeStateSync, msg.Type)
	return msg
}

func TestInitialMessages(t *testing.T) {
	width := int64(1920)
	h := newHarness(fakeCatalog{"video-1": {ID: "video-1", Width: &width}})
	conn, done := h.attach(t, testKey)
	conn.barrier(t)

	out := conn.written()
	require.Len(t, out, 2)
	require.JSONEq(t, `{"type":"VideoMetadata","video_id":"video-1","width":1920,"height":null,"duration_seconds":null}`, string(out[0]))
	require.JSONEq(t, `{"type":"StateSync","session":{"current_time":0,"playback_speed":1,"volume":1,"version":0}}`, string(out[1]))
	require.Equal(t, 1, h.handler.Attached(testKey))

	disconnect(t, conn, done)
}

func TestMetadataSkippedWhenUnknown(t *testing.T) {
	h := newHarness(fakeCatalog{})
	conn, done := h.attach(t, testKey)
	conn.barrier(t)

	out := conn.written()
	require.Len(t, out, 1)
	decodeStateSync(t, out[0])

	disconnect(t, conn, done)
}

func TestIncreasingVersionsKeepLastValue(t *testing.T) {
	h := newHarness(nil)
	conn, done := h.attach(t, testKey)

	for i := 1; i <= 20; i++ {
		conn.send(t, map[string]interface{}{"type": TypeUpdatePlaybackPosition, "current_time": float64(i) * 1.5, "version": i})
	}
	conn.barrier(t)

	rec := h.record(t, testKey)
	require.Equal(t, 30.0, rec.CurrentTime)
	require.EqualValues(t, 20, rec.Version)
	require.True(t, rec.Dirty)

	disconnect(t, conn, done)
}

func TestStaleVersionNeverMutates(t *testing.T) {
	h := newHarness(nil)
	conn, done := h.attach(t, testKey)

	conn.send(t, map[string]interface{}{"type": TypeSyncState, "current_time": 50, "playback_speed": 1.25, "volume": 0.5, "version": 10})
	conn.barrier(t)
	before := h.record(t, testKey)

	conn.send(t, map[string]interface{}{"type": TypeUpdatePlaybackPosition, "current_time": 1, "version": 9})
	conn.send(t, map[string]interface{}{"type": TypeUpdatePlaybackSpeed, "playback_speed": 3, "version": 2})
	conn.send(t, map[string]interface{}{"type": TypeUpdateVolume, "volume": 0, "version": 0})
	conn.barrier(t)

	require.Equal(t, before, h.record(t, testKey))

	// equal version wins
	conn.send(t, map[string]interface{}{"type": TypeUpdateVolume, "volume": 0.1, "version": 10})
	conn.barrier(t)
	require.Equal(t, 0.1, h.record(t, testKey).Volume)

	disconnect(t, conn, done)
}

func TestSyncStateAlwaysWins(t *testing.T) {
	h := newHarness(nil)
	conn, done := h.attach(t, testKey)

	conn.send(t, map[string]interface{}{"type": TypeUpdatePlaybackPosition, "current_time": 100, "version": 50})
	conn.send(t, map[string]interface{}{"type": TypeSyncState, "current_time": 7, "playback_speed": 0.75, "volume": 0.3, "version": 2})
	conn.barrier(t)

	rec := h.record(t, testKey)
	require.Equal(t, 7.0, rec.CurrentTime)
	require.Equal(t, 0.75, rec.PlaybackSpeed)
	require.Equal(t, 0.3, rec.Volume)
	require.EqualValues(t, 2, rec.Version)
	require.True(t, rec.Dirty)

	disconnect(t, conn, done)
}

func TestMalformedMessageKeepsConnection(t *testing.T) {
	h := newHarness(nil)
	conn, done := h.attach(t, testKey)

	conn.sendRaw(t, []byte(`not json`))
	conn.sendRaw(t, []byte(`{"type":"Rewind","version":1}`))
	conn.sendRaw(t, []byte(`{"type":"UpdateVolume","version":1}`))
	conn.send(t, map[string]interface{}{"type": TypeUpdateVolume, "volume": 0.4, "version": 1})
	conn.barrier(t)

	rec := h.record(t, testKey)
	require.Equal(t, 0.4, rec.Volume)
	require.EqualValues(t, 1, rec.Version)

	select {
	case <-done:
		t.Fatalf("connection closed after malformed message")
	default:
	}

	disconnect(t, conn, done)
}

func TestOutOfRangeValuesAreDropped(t *testing.T) {
	h := newHarness(nil)
	conn, done := h.attach(t, testKey)

	conn.send(t, map[string]interface{}{"type": TypeUpdatePlaybackSpeed, "playback_speed": -3, "version": 1})
	conn.send(t, map[string]interface{}{"type": TypeUpdatePlaybackPosition, "current_time": -50, "version": 2})
	conn.send(t, map[string]interface{}{
		"type": TypeSyncState, "current_time": 5, "playback_speed": 0, "volume": 1, "version": 3,
	})
	conn.barrier(t)

	rec := h.record(t, testKey)
	require.Equal(t, 1.0, rec.PlaybackSpeed)
	require.Zero(t, rec.CurrentTime)
	require.Zero(t, rec.Version)
	require.False(t, rec.Dirty)

	conn.send(t, map[string]interface{}{"type": TypeUpdatePlaybackPosition, "current_time": 7, "version": 1})
	conn.barrier(t)
	require.Equal(t, 7.0, h.record(t, testKey).CurrentTime)

	disconnect(t, conn, done)
}

func TestDetachFlushesDirtyAndEvicts(t *testing.T) {
	h := newHarness(nil)
	conn, done := h.attach(t, testKey)

	conn.send(t, map[string]interface{}{"type": TypeSyncState, "current_time": 42.5, "playback_speed": 1.5, "volume": 0.8, "version": 3})
	disconnect(t, conn, done)

	require.Equal(t, 1, h.repo.upsertCount())
	stored := h.repo.stored(t, testKey)
	require.Equal(t, 42.5, stored.CurrentTime)
	require.EqualValues(t, 3, stored.Version)
	require.Zero(t, h.store.Len())
	require.Zero(t, h.handler.Attached(testKey))
}

func TestDetachCleanSessionNotWritten(t *testing.T) {
	h := newHarness(nil)
	conn, done := h.attach(t, testKey)
	conn.barrier(t)
	disconnect(t, conn, done)

	require.Zero(t, h.repo.upsertCount())
	require.Zero(t, h.store.Len())
}

func TestDetachEvictsEvenWhenFlushFails(t *testing.T) {
	h := newHarness(nil)
	h.repo.putErr = errors.New("database is locked")
	conn, done := h.attach(t, testKey)

	conn.send(t, map[string]interface{}{"type": TypeUpdatePlaybackPosition, "current_time": 5, "version": 1})
	disconnect(t, conn, done)

	require.Zero(t, h.repo.upsertCount())
	require.Zero(t, h.store.Len())
}

func TestAttachRehydratesFromRepository(t *testing.T) {
	h := newHarness(nil)
	rec := session.NewRecord(testKey, time.Now())
	rec.CurrentTime = 12
	rec.Version = 4
	data, err := session.Marshal(rec)
	require.NoError(t, err)
	h.repo.rows[testKey] = data

	conn, done := h.attach(t, testKey)
	conn.barrier(t)

	msg := decodeStateSync(t, conn.written()[0])
	require.Equal(t, 12.0, msg.Session.CurrentTime)
	require.EqualValues(t, 4, msg.Session.Version)
	require.False(t, h.record(t, testKey).Dirty)

	disconnect(t, conn, done)
	require.Zero(t, h.repo.upsertCount())
}

func TestAttachFallsBackToFreshRecord(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*fakeRepo)
	}{
		{"repository error", func(r *fakeRepo) { r.getErr = errors.New("disk I/O error") }},
		{"corrupt snapshot", func(r *fakeRepo) { r.rows[testKey] = "{broken" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(nil)
			tc.setup(h.repo)

			conn, done := h.attach(t, testKey)
			conn.barrier(t)

			msg := decodeStateSync(t, conn.written()[0])
			require.Equal(t, session.Snapshot{PlaybackSpeed: 1, Volume: 1}, msg.Session)

			disconnect(t, conn, done)
		})
	}
}

func TestAttachFailsWhenStoreUnavailable(t *testing.T) {
	h := newHarness(nil)
	h.store.Close()

	conn := newFakeConn()
	err := h.handler.Serve(context.Background(), conn, testKey.UserID, testKey.VideoID)
	require.ErrorIs(t, err, session.ErrStoreInternal)
	require.Empty(t, conn.written())
	require.Zero(t, h.handler.Attached(testKey))

	select {
	case <-conn.closed:
	default:
		t.Fatalf("conn was not closed")
	}
}

func TestUpdateAfterEvictionReResolves(t *testing.T) {
	h := newHarness(nil)
	rec := session.NewRecord(testKey, time.Now())
	rec.PlaybackSpeed = 2
	rec.Version = 1
	data, err := session.Marshal(rec)
	require.NoError(t, err)
	h.repo.rows[testKey] = data

	conn, done := h.attach(t, testKey)
	conn.barrier(t)

	require.NoError(t, h.store.Delete(context.Background(), testKey))
	conn.send(t, map[string]interface{}{"type": TypeUpdateVolume, "volume": 0.5, "version": 2})
	conn.barrier(t)

	got := h.record(t, testKey)
	require.Equal(t, 2.0, got.PlaybackSpeed)
	require.Equal(t, 0.5, got.Volume)
	require.EqualValues(t, 2, got.Version)

	disconnect(t, conn, done)
}

func TestSharedKeyStaysUntilLastDetach(t *testing.T) {
	h := newHarness(nil)
	connA, doneA := h.attach(t, testKey)
	connA.barrier(t)
	connB, doneB := h.attach(t, testKey)
	connB.barrier(t)
	require.Equal(t, 2, h.handler.Attached(testKey))

	connA.send(t, map[string]interface{}{"type": TypeUpdatePlaybackPosition, "current_time": 30, "version": 1})
	disconnect(t, connA, doneA)

	require.Equal(t, 1, h.repo.upsertCount())
	rec := h.record(t, testKey)
	require.False(t, rec.Dirty)
	require.Equal(t, 30.0, rec.CurrentTime)

	// B keeps working on the record A left behind
	connB.send(t, map[string]interface{}{"type": TypeUpdateVolume, "volume": 0.2, "version": 2})
	disconnect(t, connB, doneB)

	require.Equal(t, 2, h.repo.upsertCount())
	stored := h.repo.stored(t, testKey)
	require.Equal(t, 30.0, stored.CurrentTime)
	require.Equal(t, 0.2, stored.Volume)
	require.Zero(t, h.store.Len())
}

func TestConcurrentSameKeyUpdates(t *testing.T) {
	h := newHarness(nil)
	connA, doneA := h.attach(t, testKey)
	connA.barrier(t)
	connB, doneB := h.attach(t, testKey)
	connB.barrier(t)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		connA.send(t, map[string]interface{}{"type": TypeUpdatePlaybackPosition, "current_time": 10, "version": 1})
		connA.barrier(t)
	}()
	go func() {
		defer wg.Done()
		connB.send(t, map[string]interface{}{"type": TypeUpdatePlaybackSpeed, "playback_speed": 2.0, "version": 1})
		connB.barrier(t)
	}()
	wg.Wait()

	// the winner depends on timing; only one effect is guaranteed
	rec := h.record(t, testKey)
	require.EqualValues(t, 1, rec.Version)
	require.True(t, rec.CurrentTime == 10 || rec.PlaybackSpeed == 2.0)
	require.True(t, rec.CurrentTime == 0 || rec.CurrentTime == 10)
	require.True(t, rec.PlaybackSpeed == 1 || rec.PlaybackSpeed == 2.0)

	disconnect(t, connA, doneA)
	disconnect(t, connB, doneB)
	require.Zero(t, h.store.Len())
}

func TestServeStopsOnContextCancel(t *testing.T) {
	h := newHarness(nil)
	conn := newFakeConn()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.handler.Serve(ctx, conn, testKey.UserID, testKey.VideoID)
	}()

	conn.send(t, map[string]interface{}{"type": TypeUpdatePlaybackPosition, "current_time": 8, "version": 1})
	conn.barrier(t)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve did not return after cancel")
	}
	require.Equal(t, 8.0, h.repo.stored(t, testKey).CurrentTime)
}

// gatedBatch writes batches into a fakeRepo, but only after release is
// closed. entered is closed when the first batch arrives.
type gatedBatch struct {
	repo    *fakeRepo
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedBatch) UpsertSessionsBatch(ctx context.Context, batch []storage.SessionSnapshot) error {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	for _, s := range batch {
		if err := g.repo.UpsertSession(ctx, s.UserID, s.VideoID, s.StateJSON); err != nil {
			return err
		}
	}
	return nil
}

func TestDetachFlushLandsAfterInFlightBatch(t *testing.T) {
	h := newHarness(nil)
	gate := &gatedBatch{repo: h.repo, entered: make(chan struct{}), release: make(chan struct{})}
	scheduler := persistence.NewScheduler(h.store, gate, time.Hour, logr.Discard())

	conn, done := h.attach(t, testKey)
	conn.send(t, map[string]interface{}{"type": TypeUpdatePlaybackPosition, "current_time": 10, "version": 1})
	conn.barrier(t)

	flushed := make(chan error, 1)
	go func() {
		_, err := scheduler.Flush(context.Background())
		flushed <- err
	}()
	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("scheduler never reached the repository")
	}

	// the batch now holds version 1; the connection moves on and leaves
	conn.send(t, map[string]interface{}{"type": TypeUpdatePlaybackPosition, "current_time": 99, "version": 2})
	conn.barrier(t)
	close(conn.in)

	select {
	case <-done:
		t.Fatalf("detach completed while a batch was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate.release)
	require.NoError(t, <-flushed)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve did not return")
	}

	rec := h.repo.stored(t, testKey)
	require.Equal(t, 99.0, rec.CurrentTime)
	require.EqualValues(t, 2, rec.Version)

	_, ok, err := h.store.Get(context.Background(), testKey)
	require.NoError(t, err)
	require.False(t, ok)
}
