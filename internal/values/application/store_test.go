package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	values "pointcalc/internal/values/domain"
)

func TestStore_RoundTrip(t *testing.T) {
	store := NewStore()
	key := values.DataPointKey("dp-1")
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	applied, err := store.Set(context.Background(), key, 42.5, values.QualityGood, ts)
	require.NoError(t, err)
	require.True(t, applied)

	got, err := store.Get(key)
	require.NoError(t, err)
	assert.Equal(t, 42.5, got.Value)
	assert.Equal(t, values.QualityGood, got.Quality)
	assert.True(t, got.Timestamp.Equal(ts))
	assert.Equal(t, uint64(1), got.WriteCount)
	assert.Equal(t, uint64(1), got.ReadCount)
}

func TestStore_GetMissing(t *testing.T) {
	store := NewStore()
	_, err := store.Get(values.DataPointKey("missing"))
	assert.ErrorIs(t, err, values.ErrNotFound)

	// Configuring retention creates an entry but not a value.
	store.SetRetention(values.DataPointKey("configured"), time.Minute, 10)
	_, err = store.Get(values.DataPointKey("configured"))
	assert.ErrorIs(t, err, values.ErrNotFound)
}

func TestStore_DropsOutOfOrderWrites(t *testing.T) {
	store := NewStore()
	key := values.DataPointKey("dp-1")
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	var events []values.ChangeEvent
	store.Subscribe(func(_ context.Context, evt values.ChangeEvent) {
		events = append(events, evt)
	})

	_, err := store.Set(context.Background(), key, 1.0, values.QualityGood, t0)
	require.NoError(t, err)
	applied, err := store.Set(context.Background(), key, 2.0, values.QualityGood, t0.Add(-time.Second))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, uint64(1), store.Dropped())

	applied, err = store.Set(context.Background(), key, 3.0, values.QualityGood, t0)
	require.NoError(t, err)
	assert.True(t, applied, "equal timestamps are accepted")

	got, err := store.Get(key)
	require.NoError(t, err)
	assert.Equal(t, 3.0, got.Value)
	require.Len(t, events, 2)
	assert.Equal(t, 1.0, events[0].Value)
	assert.Equal(t, 3.0, events[1].Value)
}

func TestStore_RejectsInvalidInput(t *testing.T) {
	store := NewStore()
	_, err := store.Set(context.Background(), values.Key{}, 1.0, values.QualityGood, time.Now())
	assert.ErrorIs(t, err, values.ErrInvalidKey)
	_, err = store.Set(context.Background(), values.DataPointKey("dp"), 1.0, values.Quality("weird"), time.Now())
	assert.Error(t, err)
}

func TestStore_QualityTimestampAndCounters(t *testing.T) {
	store := NewStore()
	key := values.DataPointKey("dp-q")
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()

	_, _ = store.Set(ctx, key, 1.0, values.QualityGood, t0)
	_, _ = store.Set(ctx, key, 2.0, values.QualityGood, t0.Add(time.Second))
	_, _ = store.Set(ctx, key, nil, values.QualityNotConnected, t0.Add(2*time.Second), WithRawValue("timeout"))

	got, err := store.Get(key)
	require.NoError(t, err)
	assert.True(t, got.QualityTimestamp.Equal(t0.Add(2*time.Second)))
	assert.Equal(t, uint64(3), got.WriteCount)
	assert.Equal(t, uint64(1), got.ErrorCount)
	assert.Equal(t, "timeout", got.RawValue)
}

func TestStore_PublishAfterVisible(t *testing.T) {
	store := NewStore()
	key := values.DataPointKey("dp-vis")
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	var seen any
	store.Subscribe(func(_ context.Context, evt values.ChangeEvent) {
		cur, err := store.Get(evt.Key)
		if err == nil {
			seen = cur.Value
		}
	})
	_, err := store.Set(context.Background(), key, 7.0, values.QualityGood, ts)
	require.NoError(t, err)
	assert.Equal(t, 7.0, seen)
}

func TestStore_SamplesRespectRetention(t *testing.T) {
	store := NewStore()
	key := values.DataPointKey("dp-h")
	store.SetRetention(key, 10*time.Second, 3)
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := store.Set(ctx, key, float64(i), values.QualityGood, t0.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}
	samples := store.Samples(key, time.Time{})
	require.Len(t, samples, 3, "max samples bounds the buffer")
	assert.Equal(t, 2.0, samples[0].Value)

	_, err := store.Set(ctx, key, 99.0, values.QualityGood, t0.Add(30*time.Second))
	require.NoError(t, err)
	samples = store.Samples(key, time.Time{})
	require.Len(t, samples, 1, "samples older than the window are evicted")
	assert.Equal(t, 99.0, samples[0].Value)

	assert.Empty(t, store.Samples(key, t0.Add(time.Minute)))
}

func TestStore_ConcurrentWritersDifferentPoints(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			key := values.DataPointKey(string(rune('a' + w)))
			for i := 0; i < 100; i++ {
				_, _ = store.Set(ctx, key, float64(i), values.QualityGood, t0.Add(time.Duration(i)*time.Millisecond))
			}
		}(w)
	}
	wg.Wait()

	for w := 0; w < 8; w++ {
		got, err := store.Get(values.DataPointKey(string(rune('a' + w))))
		require.NoError(t, err)
		assert.Equal(t, 99.0, got.Value)
		assert.Equal(t, uint64(100), got.WriteCount)
	}
}

func TestStore_PublishesSamePointInWriteOrder(t *testing.T) {
	store := NewStore()
	key := values.DataPointKey("dp-1")
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Second)

	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var seen []time.Time
	store.Subscribe(func(_ context.Context, evt values.ChangeEvent) {
		mu.Lock()
		seen = append(seen, evt.Timestamp)
		mu.Unlock()
		if evt.Timestamp.Equal(t1) {
			close(entered)
			<-release
		}
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = store.Set(context.Background(), key, 1.0, values.QualityGood, t1)
	}()
	<-entered
	go func() {
		defer wg.Done()
		_, _ = store.Set(context.Background(), key, 2.0, values.QualityGood, t2)
	}()

	require.Eventually(t, func() bool {
		cur, err := store.Get(key)
		return err == nil && cur.Value == 2.0
	}, time.Second, 5*time.Millisecond, "readers see the newer value while the older one is published")
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, []time.Time{t1}, seen, "newer event waits for the older one")
	mu.Unlock()

	close(release)
	wg.Wait()
	assert.Equal(t, []time.Time{t1, t2}, seen)
}

func TestStore_ConcurrentWritersSamePointPublishMonotonic(t *testing.T) {
	store := NewStore()
	key := values.DataPointKey("dp-1")
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	var mu sync.Mutex
	var seen []time.Time
	store.Subscribe(func(_ context.Context, evt values.ChangeEvent) {
		mu.Lock()
		seen = append(seen, evt.Timestamp)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				ts := base.Add(time.Duration(i*8+w) * time.Millisecond)
				_, _ = store.Set(context.Background(), key, float64(i), values.QualityGood, ts)
			}
		}(w)
	}
	wg.Wait()

	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.False(t, seen[i].Before(seen[i-1]), "event %d older than its predecessor", i)
	}
	cur, err := store.Get(key)
	require.NoError(t, err)
	assert.True(t, cur.Timestamp.Equal(seen[len(seen)-1]))
}
