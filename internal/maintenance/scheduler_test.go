package maintenance_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecgo/internal/maintenance"
)

type fakeTracker struct {
	mu            sync.Mutex
	gen           uint64
	transferCalls []uint64
	trimCalls     []uint64
	trimReturn    int

	// onTransfer, if set, runs synchronously inside TransferHoldLists
	// after it records the call; used to hold a Tick in flight so a
	// concurrent Tick can observe the semaphore already taken.
	onTransfer func(gen uint64)
}

func (f *fakeTracker) Generation() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gen
}

func (f *fakeTracker) TransferHoldLists(gen uint64) {
	f.mu.Lock()
	f.transferCalls = append(f.transferCalls, gen)
	f.gen = gen + 1
	hook := f.onTransfer
	f.mu.Unlock()

	if hook != nil {
		hook(gen)
	}
}

func (f *fakeTracker) TrimHoldLists(usedGen uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trimCalls = append(f.trimCalls, usedGen)
	return f.trimReturn
}

func TestTickTransfersAndTrims(t *testing.T) {
	tracker := &fakeTracker{gen: 5, trimReturn: 3}
	s := maintenance.New(tracker, maintenance.Config{
		UsedGeneration: func() uint64 { return 4 },
	})

	require.NoError(t, s.Tick(context.Background()))

	assert.Equal(t, []uint64{5}, tracker.transferCalls)
	assert.Equal(t, []uint64{4}, tracker.trimCalls)
	assert.Equal(t, maintenance.Stats{Ticks: 1, Trimmed: 3}, s.Stats())
}

func TestTickSkipsWhenAlreadyRunning(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	tracker := &fakeTracker{
		onTransfer: func(gen uint64) {
			close(started)
			<-release
		},
	}
	s := maintenance.New(tracker, maintenance.Config{
		MaxConcurrentTrims: 1,
		UsedGeneration:     func() uint64 { return 0 },
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, s.Tick(context.Background()))
	}()

	// Wait for the first Tick to be holding the sole semaphore slot
	// inside TransferHoldLists before issuing the second.
	<-started

	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, uint64(1), s.Stats().Ticks, "a concurrent Tick must skip, not run, while the slot is held")

	close(release)
	wg.Wait()

	// The skipped Tick never ran: only the first Tick's single pass is
	// ever recorded, before or after the slot is released.
	assert.Equal(t, uint64(1), s.Stats().Ticks)
	tracker.mu.Lock()
	assert.Len(t, tracker.transferCalls, 1)
	assert.Len(t, tracker.trimCalls, 1)
	tracker.mu.Unlock()
}

func TestRunStopsOnContextCancel(t *testing.T) {
	tracker := &fakeTracker{}
	s := maintenance.New(tracker, maintenance.Config{
		TrimInterval:   time.Millisecond,
		UsedGeneration: func() uint64 { return 0 },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Positive(t, s.Stats().Ticks)
}

func TestNilUsedGenerationDefaultsToZero(t *testing.T) {
	tracker := &fakeTracker{gen: 1}
	s := maintenance.New(tracker, maintenance.Config{})

	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, []uint64{0}, tracker.trimCalls)
}
