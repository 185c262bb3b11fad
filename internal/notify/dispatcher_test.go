package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"crypto-alert-bot/internal/types"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu       sync.Mutex
	sent     []types.FireEvent
	failures int
	err      error
	onFail   func()
}

func (s *fakeSender) Notify(ev types.FireEvent) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		hook := s.onFail
		s.mu.Unlock()
		if hook != nil {
			hook()
		}
		return s.err
	}
	s.sent = append(s.sent, ev)
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) delivered() []types.FireEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.FireEvent(nil), s.sent...)
}

type fakeLetters struct {
	mu      sync.Mutex
	letters []string
}

func (l *fakeLetters) Insert(ev types.FireEvent, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.letters = append(l.letters, reason)
	return nil
}

func (l *fakeLetters) reasons() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.letters...)
}

// fakeReader serves a single alert whose persisted epoch can move while a
// delivery is in flight.
type fakeReader struct {
	mu    sync.Mutex
	alert types.Alert
	err   error
}

func (r *fakeReader) Get(id string) (types.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return types.Alert{}, r.err
	}
	return r.alert, nil
}

func (r *fakeReader) setEpoch(epoch int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alert.Epoch = epoch
}

func fireEvent(id string, epoch int64) types.FireEvent {
	return types.FireEvent{
		AlertID:   id,
		Owner:     1,
		Exchange:  "BINANCE",
		Symbol:    "BTCUSDT",
		Direction: types.DirectionAbove,
		Target:    decimal.NewFromInt(50000),
		Price:     decimal.NewFromInt(50500),
		Epoch:     epoch,
	}
}

func TestDispatcherDeliversOnce(t *testing.T) {
	sender := &fakeSender{}
	letters := &fakeLetters{}
	d := NewDispatcher(sender, letters, Config{Attempts: 3, Backoff: time.Millisecond})
	ctx := context.Background()

	d.deliver(ctx, fireEvent("a1", 1))
	require.Len(t, sender.delivered(), 1)

	// Same (alert id, epoch) again: already confirmed, dropped silently.
	d.deliver(ctx, fireEvent("a1", 1))
	assert.Len(t, sender.delivered(), 1)

	// A newer epoch goes through.
	d.deliver(ctx, fireEvent("a1", 2))
	assert.Len(t, sender.delivered(), 2)
	assert.Empty(t, letters.reasons())
}

func TestDispatcherRetriesTransientFailures(t *testing.T) {
	sender := &fakeSender{failures: 2, err: errors.Wrap(ErrUnreachable, "telegram 502")}
	letters := &fakeLetters{}
	d := NewDispatcher(sender, letters, Config{Attempts: 3, Backoff: time.Millisecond})

	d.deliver(context.Background(), fireEvent("a1", 1))

	// Two failures, then the third attempt lands.
	require.Len(t, sender.delivered(), 1)
	assert.Empty(t, letters.reasons())
}

func TestDispatcherDeadLettersAfterExhaustion(t *testing.T) {
	sender := &fakeSender{failures: 10, err: errors.Wrap(ErrUnreachable, "telegram down")}
	letters := &fakeLetters{}
	d := NewDispatcher(sender, letters, Config{Attempts: 3, Backoff: time.Millisecond})

	d.deliver(context.Background(), fireEvent("a1", 1))

	assert.Empty(t, sender.delivered())
	reasons := letters.reasons()
	require.Len(t, reasons, 1)
	assert.Contains(t, reasons[0], "telegram down")
}

func TestDispatcherRejectionSkipsRetries(t *testing.T) {
	sender := &fakeSender{failures: 10, err: errors.Wrap(ErrRejected, "user blocked the bot")}
	letters := &fakeLetters{}
	d := NewDispatcher(sender, letters, Config{Attempts: 5, Backoff: time.Millisecond})

	d.deliver(context.Background(), fireEvent("a1", 1))

	// A permanent rejection burns exactly one attempt before dead-lettering.
	sender.mu.Lock()
	remaining := sender.failures
	sender.mu.Unlock()
	assert.Equal(t, 9, remaining)
	assert.Len(t, letters.reasons(), 1)
}

func TestDispatcherSeedSuppressesReplay(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(sender, &fakeLetters{}, Config{Attempts: 1, Backoff: time.Millisecond})

	// Persisted alert already sits at epoch 3: anything at or below it was
	// handled before the restart.
	d.Seed([]types.Alert{{ID: "a1", Epoch: 3}})

	ctx := context.Background()
	d.deliver(ctx, fireEvent("a1", 3))
	assert.Empty(t, sender.delivered())

	d.deliver(ctx, fireEvent("a1", 4))
	assert.Len(t, sender.delivered(), 1)
}

func TestDispatcherDropsSupersededEpochMidRetry(t *testing.T) {
	reader := &fakeReader{alert: types.Alert{ID: "a1", Epoch: 1}}
	letters := &fakeLetters{}
	sender := &fakeSender{
		failures: 1,
		err:      errors.Wrap(ErrUnreachable, "telegram 502"),
		// While the event sits in the retry loop the alert crosses again
		// and epoch 3 gets persisted.
		onFail: func() { reader.setEpoch(3) },
	}
	d := NewDispatcher(sender, letters, Config{Attempts: 3, Backoff: time.Millisecond, Alerts: reader})

	d.deliver(context.Background(), fireEvent("a1", 1))

	// The epoch-1 message must never reach the user once epoch 3 exists,
	// and a superseded event is dropped, not dead-lettered.
	assert.Empty(t, sender.delivered())
	assert.Empty(t, letters.reasons())
}

func TestDispatcherDropsEventBehindPersistedEpoch(t *testing.T) {
	reader := &fakeReader{alert: types.Alert{ID: "a1", Epoch: 3}}
	sender := &fakeSender{}
	d := NewDispatcher(sender, &fakeLetters{}, Config{Attempts: 1, Backoff: time.Millisecond, Alerts: reader})

	d.deliver(context.Background(), fireEvent("a1", 1))
	assert.Empty(t, sender.delivered())

	// The current epoch itself still goes out.
	d.deliver(context.Background(), fireEvent("a1", 3))
	assert.Len(t, sender.delivered(), 1)
}

func TestDispatcherDeliversForDeletedAlert(t *testing.T) {
	// One-shot alerts are removed right after firing; their notification
	// must still be sent.
	reader := &fakeReader{err: errors.New("alert not found")}
	sender := &fakeSender{}
	d := NewDispatcher(sender, &fakeLetters{}, Config{Attempts: 1, Backoff: time.Millisecond, Alerts: reader})

	d.deliver(context.Background(), fireEvent("a1", 1))
	assert.Len(t, sender.delivered(), 1)
}

func TestDispatcherQueueFullDeadLetters(t *testing.T) {
	sender := &fakeSender{}
	letters := &fakeLetters{}
	d := NewDispatcher(sender, letters, Config{Attempts: 1, Backoff: time.Millisecond, QueueSize: 1})

	// Not started: the first event fills the queue, the second overflows.
	d.Enqueue(fireEvent("a1", 1))
	d.Enqueue(fireEvent("a2", 1))

	reasons := letters.reasons()
	require.Len(t, reasons, 1)
	assert.Equal(t, "dispatch queue full", reasons[0])
}

func TestDispatcherStartStopFlow(t *testing.T) {
	sender := &fakeSender{}
	letters := &fakeLetters{}
	d := NewDispatcher(sender, letters, Config{Attempts: 2, Backoff: time.Millisecond})

	d.Start(context.Background())
	d.Enqueue(fireEvent("a1", 1))
	d.Enqueue(fireEvent("a2", 1))
	d.Stop()

	// Stop drains what was queued before returning.
	assert.Len(t, sender.delivered(), 2)
	assert.Empty(t, letters.reasons())

	// Stop after Stop is a no-op, matching the scheduler.
	assert.NotPanics(t, func() { d.Stop() })
}
