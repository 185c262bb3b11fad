package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"crypto-alert-bot/internal/database"
	"crypto-alert-bot/internal/source"
	"crypto-alert-bot/internal/types"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory AlertStore with the same epoch-guard semantics as
// the sqlite-backed one.
type memStore struct {
	mu     sync.Mutex
	alerts map[string]types.Alert
}

func newMemStore(alerts ...types.Alert) *memStore {
	s := &memStore{alerts: make(map[string]types.Alert)}
	for _, a := range alerts {
		s.alerts[a.ID] = a
	}
	return s
}

func (s *memStore) ListAll() ([]types.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		out = append(out, a)
	}
	return out, nil
}

func (s *memStore) Get(id string) (types.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return types.Alert{}, database.ErrAlertNotFound
	}
	return a, nil
}

func (s *memStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.alerts, id)
	return nil
}

func (s *memStore) AdvanceState(id string, prevEpoch int64, next types.State) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok || a.Epoch != prevEpoch {
		return 0, false, nil
	}
	a.State = next
	a.Epoch++
	s.alerts[id] = a
	return a.Epoch, true, nil
}

func (s *memStore) setMuted(id string, muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.alerts[id]
	a.Muted = muted
	s.alerts[id] = a
}

// memRegistry serves fixed prices per key, or a fixed error.
type memRegistry struct {
	mu     sync.Mutex
	prices map[types.SubscriptionKey]decimal.Decimal
	errs   map[types.SubscriptionKey]error
}

func newMemRegistry() *memRegistry {
	return &memRegistry{
		prices: make(map[types.SubscriptionKey]decimal.Decimal),
		errs:   make(map[types.SubscriptionKey]error),
	}
}

func (r *memRegistry) setPrice(key types.SubscriptionKey, price int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prices[key] = decimal.NewFromInt(price)
}

func (r *memRegistry) Sync(alerts []types.Alert) {}

func (r *memRegistry) FetchAll(ctx context.Context, keys []types.SubscriptionKey) map[types.SubscriptionKey]source.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	results := make(map[types.SubscriptionKey]source.Result, len(keys))
	for _, key := range keys {
		if err, ok := r.errs[key]; ok {
			results[key] = source.Result{Err: err}
			continue
		}
		results[key] = source.Result{Observation: types.PriceObservation{
			Exchange:  key.Exchange,
			Symbol:    key.Symbol,
			Price:     r.prices[key],
			Timestamp: time.Now(),
		}}
	}
	return results
}

type memDispatcher struct {
	mu     sync.Mutex
	events []types.FireEvent
}

func (d *memDispatcher) Enqueue(ev types.FireEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
}

func (d *memDispatcher) fired() []types.FireEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]types.FireEvent(nil), d.events...)
}

func testAlert(direction types.Direction, target int64, mode types.Mode) types.Alert {
	return types.Alert{
		ID:        uuid.NewString(),
		Owner:     1,
		Exchange:  "BINANCE",
		Symbol:    "BTCUSDT",
		Direction: direction,
		Target:    decimal.NewFromInt(target),
		Mode:      mode,
		State:     types.StateUnknown,
	}
}

func newTestScheduler(store AlertStore, reg SourceRegistry, disp Dispatcher) *Scheduler {
	metrics := NewEngineMetrics(prometheus.NewRegistry())
	return NewScheduler(store, reg, disp, metrics, time.Minute)
}

func TestSchedulerFiresOnCrossing(t *testing.T) {
	alert := testAlert(types.DirectionAbove, 50000, types.ModePersistent)
	store := newMemStore(alert)
	reg := newMemRegistry()
	disp := &memDispatcher{}
	sched := newTestScheduler(store, reg, disp)
	ctx := context.Background()

	// First tick observes below target: state becomes BELOW, no fire.
	reg.setPrice(alert.Key(), 49000)
	sched.runTick(ctx)
	assert.Empty(t, disp.fired())

	// Second tick crosses upward: exactly one fire with the advanced epoch.
	reg.setPrice(alert.Key(), 51000)
	sched.runTick(ctx)

	events := disp.fired()
	require.Len(t, events, 1)
	assert.Equal(t, alert.ID, events[0].AlertID)
	assert.Equal(t, int64(2), events[0].Epoch)
	assert.True(t, events[0].Price.Equal(decimal.NewFromInt(51000)))

	// Staying above keeps firing quiet.
	reg.setPrice(alert.Key(), 52000)
	sched.runTick(ctx)
	assert.Len(t, disp.fired(), 1)
}

func TestSchedulerFirstObservationNeverFires(t *testing.T) {
	// Price already past the target on the very first tick: the alert arms
	// without firing.
	alert := testAlert(types.DirectionAbove, 50000, types.ModePersistent)
	store := newMemStore(alert)
	reg := newMemRegistry()
	disp := &memDispatcher{}
	sched := newTestScheduler(store, reg, disp)

	reg.setPrice(alert.Key(), 51000)
	sched.runTick(context.Background())

	assert.Empty(t, disp.fired())
	got, err := store.Get(alert.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateAbove, got.State)
}

func TestSchedulerPersistentReArms(t *testing.T) {
	alert := testAlert(types.DirectionAbove, 50000, types.ModePersistent)
	store := newMemStore(alert)
	reg := newMemRegistry()
	disp := &memDispatcher{}
	sched := newTestScheduler(store, reg, disp)
	ctx := context.Background()

	for _, price := range []int64{49000, 50500, 49900, 50100} {
		reg.setPrice(alert.Key(), price)
		sched.runTick(ctx)
	}

	events := disp.fired()
	require.Len(t, events, 2)
	assert.True(t, events[0].Price.Equal(decimal.NewFromInt(50500)))
	assert.True(t, events[1].Price.Equal(decimal.NewFromInt(50100)))
}

func TestSchedulerOneShotDeletedAfterFire(t *testing.T) {
	alert := testAlert(types.DirectionBelow, 50000, types.ModeOneShot)
	store := newMemStore(alert)
	reg := newMemRegistry()
	disp := &memDispatcher{}
	sched := newTestScheduler(store, reg, disp)
	ctx := context.Background()

	reg.setPrice(alert.Key(), 51000)
	sched.runTick(ctx)
	reg.setPrice(alert.Key(), 49000)
	sched.runTick(ctx)

	require.Len(t, disp.fired(), 1)
	_, err := store.Get(alert.ID)
	assert.ErrorIs(t, err, database.ErrAlertNotFound)

	// Further ticks see no alert and nothing more fires.
	reg.setPrice(alert.Key(), 48000)
	sched.runTick(ctx)
	assert.Len(t, disp.fired(), 1)
}

func TestSchedulerMuteSuppressesButStateAdvances(t *testing.T) {
	alert := testAlert(types.DirectionAbove, 50000, types.ModePersistent)
	store := newMemStore(alert)
	reg := newMemRegistry()
	disp := &memDispatcher{}
	sched := newTestScheduler(store, reg, disp)
	ctx := context.Background()

	reg.setPrice(alert.Key(), 49000)
	sched.runTick(ctx)

	store.setMuted(alert.ID, true)
	reg.setPrice(alert.Key(), 51000)
	sched.runTick(ctx)
	assert.Empty(t, disp.fired())

	// State kept tracking while muted, so unmuting does not replay the
	// missed crossing.
	got, err := store.Get(alert.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateAbove, got.State)

	store.setMuted(alert.ID, false)
	reg.setPrice(alert.Key(), 52000)
	sched.runTick(ctx)
	assert.Empty(t, disp.fired())

	// A genuine retreat and re-cross after resuming fires again.
	reg.setPrice(alert.Key(), 49000)
	sched.runTick(ctx)
	reg.setPrice(alert.Key(), 51000)
	sched.runTick(ctx)
	events := disp.fired()
	require.Len(t, events, 1)
	assert.True(t, events[0].Price.Equal(decimal.NewFromInt(51000)))
}

func TestSchedulerFailedFetchSkipsOnlyThatKey(t *testing.T) {
	healthy := testAlert(types.DirectionAbove, 50000, types.ModePersistent)
	broken := testAlert(types.DirectionAbove, 3000, types.ModePersistent)
	broken.Exchange = "BYBIT"
	broken.Symbol = "ETHUSDT"

	store := newMemStore(healthy, broken)
	reg := newMemRegistry()
	reg.errs[broken.Key()] = errors.Wrap(source.ErrTimeout, "no response in 4s")
	disp := &memDispatcher{}
	sched := newTestScheduler(store, reg, disp)
	ctx := context.Background()

	reg.setPrice(healthy.Key(), 49000)
	sched.runTick(ctx)
	reg.setPrice(healthy.Key(), 51000)
	sched.runTick(ctx)

	// The healthy alert fired; the broken one never advanced past UNKNOWN.
	require.Len(t, disp.fired(), 1)
	assert.Equal(t, healthy.ID, disp.fired()[0].AlertID)

	got, err := store.Get(broken.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateUnknown, got.State)
}

func TestSchedulerStaleSnapshotDoesNotFire(t *testing.T) {
	alert := testAlert(types.DirectionAbove, 50000, types.ModePersistent)
	store := newMemStore(alert)
	reg := newMemRegistry()
	disp := &memDispatcher{}
	sched := newTestScheduler(store, reg, disp)

	reg.setPrice(alert.Key(), 49000)
	sched.runTick(context.Background())

	// Simulate an edit racing the tick: the epoch the snapshot saw is gone.
	snapshot, err := store.Get(alert.ID)
	require.NoError(t, err)
	snapshot.Epoch = 0
	sched.evaluate(snapshot, types.PriceObservation{
		Exchange: alert.Exchange,
		Symbol:   alert.Symbol,
		Price:    decimal.NewFromInt(51000),
	})

	assert.Empty(t, disp.fired())
	got, err := store.Get(alert.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateBelow, got.State)
}

func TestSchedulerLifecycle(t *testing.T) {
	store := newMemStore()
	reg := newMemRegistry()
	disp := &memDispatcher{}
	sched := newTestScheduler(store, reg, disp)

	assert.Equal(t, PhaseStopped, sched.Phase())
	require.NoError(t, sched.Start(context.Background()))
	assert.Equal(t, PhaseRunning, sched.Phase())

	// A second Start while running must be rejected.
	assert.Error(t, sched.Start(context.Background()))

	sched.Stop()
	assert.Equal(t, PhaseStopped, sched.Phase())

	// Stop when already stopped is a no-op.
	sched.Stop()
	assert.Equal(t, PhaseStopped, sched.Phase())

	// The scheduler can be started again after a full stop.
	require.NoError(t, sched.Start(context.Background()))
	sched.Stop()
}
