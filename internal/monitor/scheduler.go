package monitor

import (
	"context"
	"sync"
	"time"

	"crypto-alert-bot/internal/database"
	"crypto-alert-bot/internal/detector"
	"crypto-alert-bot/internal/source"
	"crypto-alert-bot/internal/types"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

// Phase is the scheduler's lifecycle state.
type Phase int32

const (
	PhaseStopped Phase = iota
	PhaseRunning
	PhaseDraining
)

func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "RUNNING"
	case PhaseDraining:
		return "DRAINING"
	default:
		return "STOPPED"
	}
}

// AlertStore is the slice of the persistence contract the scheduler needs.
type AlertStore interface {
	ListAll() ([]types.Alert, error)
	Get(id string) (types.Alert, error)
	Delete(id string) error
	AdvanceState(id string, prevEpoch int64, next types.State) (int64, bool, error)
}

// SourceRegistry hands the scheduler one fetch result per subscription key.
type SourceRegistry interface {
	Sync(alerts []types.Alert)
	FetchAll(ctx context.Context, keys []types.SubscriptionKey) map[types.SubscriptionKey]source.Result
}

// Dispatcher accepts fire events for asynchronous delivery.
type Dispatcher interface {
	Enqueue(ev types.FireEvent)
}

// Scheduler drives the tick loop: snapshot the alert set, fetch each distinct
// subscription key once, evaluate every alert against its key's result, and
// emit fire events. Ticks never overlap, so a single alert always sees its
// states in tick order; evaluation across alerts within a tick is concurrent.
type Scheduler struct {
	store      AlertStore
	sources    SourceRegistry
	dispatcher Dispatcher
	metrics    *EngineMetrics
	interval   time.Duration

	mu    sync.Mutex
	phase Phase
	quit  chan struct{}
	wg    sync.WaitGroup
}

func NewScheduler(store AlertStore, sources SourceRegistry, dispatcher Dispatcher, metrics *EngineMetrics, interval time.Duration) *Scheduler {
	return &Scheduler{
		store:      store,
		sources:    sources,
		dispatcher: dispatcher,
		metrics:    metrics,
		interval:   interval,
	}
}

func (s *Scheduler) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.phase != PhaseStopped {
		s.mu.Unlock()
		return errors.Errorf("scheduler is %s, not STOPPED", s.phase)
	}
	s.phase = PhaseRunning
	s.quit = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
	log.Infof("🚀 Monitor scheduler started (tick every %s).", s.interval)
	return nil
}

// Stop drains: the in-flight tick finishes, no new ticks are issued.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.phase != PhaseRunning {
		s.mu.Unlock()
		return
	}
	s.phase = PhaseDraining
	quit := s.quit
	s.mu.Unlock()

	close(quit)
	s.wg.Wait()

	s.mu.Lock()
	s.phase = PhaseStopped
	s.mu.Unlock()
	log.Println("Monitor scheduler stopped.")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runTick(ctx)
	for {
		select {
		case <-s.quit:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("🔥 Panic recovered in scheduler tick: %v", r)
		}
	}()

	alerts, err := s.store.ListAll()
	if err != nil {
		log.Errorf("❌ Failed to fetch alerts from the database: %v", err)
		return
	}
	s.metrics.LiveAlerts.Set(float64(len(alerts)))

	s.sources.Sync(alerts)

	keys := lo.Uniq(lo.Map(alerts, func(a types.Alert, _ int) types.SubscriptionKey {
		return a.Key()
	}))
	results := s.sources.FetchAll(ctx, keys)

	for key, res := range results {
		if res.Err != nil {
			s.metrics.FetchFailures.WithLabelValues(source.FailureKind(res.Err)).Inc()
			log.Debugf("⚠️ Skipping %s this tick: %v", key, res.Err)
		}
	}

	var wg sync.WaitGroup
	for _, a := range alerts {
		res, ok := results[a.Key()]
		if !ok || res.Err != nil {
			continue
		}
		wg.Add(1)
		go func(a types.Alert, obs types.PriceObservation) {
			defer wg.Done()
			s.evaluate(a, obs)
		}(a, res.Observation)
	}
	wg.Wait()

	s.metrics.TicksTotal.Inc()
}

// evaluate advances one alert's state machine against a fresh observation and
// emits a fire event when a crossing happened.
func (s *Scheduler) evaluate(a types.Alert, obs types.PriceObservation) {
	next, fired := detector.Evaluate(a.State, obs.Price, a.Direction, a.Target)
	if next == a.State {
		return
	}

	epoch, applied, err := s.store.AdvanceState(a.ID, a.Epoch, next)
	if err != nil {
		// One retry; a write that still fails leaves durable truth behind,
		// so the observation is discarded rather than acted on.
		epoch, applied, err = s.store.AdvanceState(a.ID, a.Epoch, next)
		if err != nil {
			log.Errorf("❌ Failed to persist state for alert %s: %v", a.ID, err)
			return
		}
	}
	if !applied {
		// Epoch moved under us: the alert was edited or deleted mid-tick.
		log.Debugf("Stale snapshot for alert %s, skipping", a.ID)
		return
	}
	if !fired {
		return
	}

	// Deletion or mute during the fetch phase must win over the crossing.
	current, err := s.store.Get(a.ID)
	if errors.Is(err, database.ErrAlertNotFound) {
		return
	} else if err != nil {
		log.Errorf("❌ Failed to re-check alert %s before firing: %v", a.ID, err)
		return
	}
	if current.Muted {
		log.Debugf("Alert %s crossed while muted, suppressing notification", a.ID)
		return
	}

	ev := types.FireEvent{
		AlertID:   a.ID,
		Owner:     a.Owner,
		Exchange:  a.Exchange,
		Symbol:    a.Symbol,
		Direction: a.Direction,
		Target:    a.Target,
		Price:     obs.Price,
		Epoch:     epoch,
	}
	s.metrics.FiresTotal.Inc()
	s.dispatcher.Enqueue(ev)
	log.Infof("⚡ Alert %s fired: %s %s %s at %s", a.ID, a.Symbol, a.Direction, a.Target, obs.Price)

	if a.Mode == types.ModeOneShot {
		if err := s.store.Delete(a.ID); err != nil {
			log.Errorf("❌ Failed to remove one-shot alert %s: %v", a.ID, err)
		}
	}
}
