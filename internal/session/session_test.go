package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreOperations(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	key := Key{UserID: "user1", VideoID: "video1"}

	_, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)

	rec := NewRecord(key, time.Now())
	rec.CurrentTime = 42.5
	require.NoError(t, store.Set(ctx, key, rec))

	got, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 42.5, got.CurrentTime)

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, 1, store.Len())

	require.NoError(t, store.Delete(ctx, key))
	_, ok, err = store.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)

	// deleting an absent key is a no-op
	require.NoError(t, store.Delete(ctx, key))
}

func TestMemoryStoreListIsACopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	key := Key{UserID: "u", VideoID: "v"}
	require.NoError(t, store.Set(ctx, key, NewRecord(key, time.Now())))

	all, err := store.List(ctx)
	require.NoError(t, err)
	all[0].Record.Version = 99

	got, _, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.EqualValues(t, 0, got.Version)
}

func TestMemoryStoreListOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for _, k := range []Key{{"b", "1"}, {"a", "2"}, {"a", "1"}} {
		require.NoError(t, store.Set(ctx, k, NewRecord(k, time.Now())))
	}

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []Key{{"a", "1"}, {"a", "2"}, {"b", "1"}}, []Key{all[0].Key, all[1].Key, all[2].Key})
}

func TestMemoryStoreClosed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Close()

	_, _, err := store.Get(ctx, Key{})
	require.ErrorIs(t, err, ErrStoreInternal)
	require.ErrorIs(t, store.Set(ctx, Key{}, Record{}), ErrStoreInternal)
	require.ErrorIs(t, store.Delete(ctx, Key{}), ErrStoreInternal)
	_, err = store.List(ctx)
	require.ErrorIs(t, err, ErrStoreInternal)
}

func TestMemoryStoreConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := Key{UserID: fmt.Sprintf("u%d", i%4), VideoID: "v"}
			for j := 0; j < 100; j++ {
				rec := NewRecord(key, time.Now())
				rec.Version = int64(j)
				_ = store.Set(ctx, key, rec)
				_, _, _ = store.Get(ctx, key)
				_, _ = store.List(ctx)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 4, store.Len())
}

func TestNewRecordDefaults(t *testing.T) {
	rec := NewRecord(Key{UserID: "u", VideoID: "v"}, time.Now())
	require.Equal(t, "u", rec.UserID)
	require.Equal(t, "v", rec.VideoID)
	require.Zero(t, rec.CurrentTime)
	require.Equal(t, 1.0, rec.PlaybackSpeed)
	require.Equal(t, 1.0, rec.Volume)
	require.Zero(t, rec.Version)
	require.False(t, rec.Dirty)
}

func TestMarshalExcludesDirty(t *testing.T) {
	rec := NewRecord(Key{UserID: "u", VideoID: "v"}, time.Unix(1700000000, 0))
	rec.CurrentTime = 42.5
	rec.PlaybackSpeed = 1.5
	rec.Volume = 0.8
	rec.Version = 3
	rec.Dirty = true

	data, err := Marshal(rec)
	require.NoError(t, err)
	require.NotContains(t, data, "dirty")

	back, err := Unmarshal(data)
	require.NoError(t, err)
	require.False(t, back.Dirty)
	require.True(t, rec.SameState(back))
}

func TestUnmarshalDefaultsMissingFields(t *testing.T) {
	rec, err := Unmarshal(`{"user_id":"u","video_id":"v","current_time":12.5,"updated_at":"2024-01-01T00:00:00Z"}`)
	require.NoError(t, err)
	require.Equal(t, 12.5, rec.CurrentTime)
	require.Equal(t, 1.0, rec.PlaybackSpeed)
	require.Equal(t, 1.0, rec.Volume)
	require.Zero(t, rec.Version)
}

func TestSerializationErrors(t *testing.T) {
	rec := NewRecord(Key{UserID: "u", VideoID: "v"}, time.Now())
	rec.CurrentTime = math.Inf(1)

	_, err := Marshal(rec)
	var serr *SerializationError
	require.True(t, errors.As(err, &serr))
	require.Equal(t, rec.Key(), serr.Key)

	_, err = Unmarshal("{not json")
	require.True(t, errors.As(err, &serr))
}

func TestSameStateIgnoresDirty(t *testing.T) {
	a := NewRecord(Key{UserID: "u", VideoID: "v"}, time.Now())
	b := a
	b.Dirty = true
	require.True(t, a.SameState(b))

	b.Version++
	require.False(t, a.SameState(b))
}

func TestMarkClean(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	key := Key{UserID: "u", VideoID: "v"}

	rec := NewRecord(key, time.Now())
	rec.CurrentTime = 5
	rec.Version = 1
	rec.Dirty = true
	require.NoError(t, store.Set(ctx, key, rec))

	cleared, err := MarkClean(ctx, store, rec)
	require.NoError(t, err)
	require.True(t, cleared)
	got, _, _ := store.Get(ctx, key)
	require.False(t, got.Dirty)

	// a mutation after the snapshot keeps the record dirty
	flushed := got
	mutated := got
	mutated.CurrentTime = 9
	mutated.Version = 2
	mutated.Dirty = true
	require.NoError(t, store.Set(ctx, key, mutated))

	cleared, err = MarkClean(ctx, store, flushed)
	require.NoError(t, err)
	require.False(t, cleared)
	got, _, _ = store.Get(ctx, key)
	require.True(t, got.Dirty)
	require.Equal(t, 9.0, got.CurrentTime)

	// evicted records are left alone
	require.NoError(t, store.Delete(ctx, key))
	cleared, err = MarkClean(ctx, store, mutated)
	require.NoError(t, err)
	require.False(t, cleared)
	require.Zero(t, store.Len())
}

func TestFlushLockIsSharedPerStore(t *testing.T) {
	store := NewMemoryStore()
	require.Same(t, store.FlushLock(), store.FlushLock())

	lock := store.FlushLock()
	lock.Lock()
	acquired := make(chan struct{})
	go func() {
		store.FlushLock().Lock()
		close(acquired)
		store.FlushLock().Unlock()
	}()

	select {
	case <-acquired:
		t.Fatalf("second holder acquired the flush lock")
	case <-time.After(20 * time.Millisecond):
	}
	lock.Unlock()
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatalf("flush lock never released")
	}
}
