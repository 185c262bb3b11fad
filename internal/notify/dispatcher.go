package notify

import (
	"context"
	"sync"
	"time"

	"crypto-alert-bot/internal/types"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

// Delivery failure kinds. ErrRejected is permanent (the collaborator refused
// the message, e.g. the user blocked the bot) and skips retries.
var (
	ErrUnreachable = errors.New("collaborator unreachable")
	ErrRejected    = errors.New("delivery rejected")
)

// Sender is the external messaging collaborator.
type Sender interface {
	Notify(ev types.FireEvent) error
}

// DeadLetters records fire events that were given up on.
type DeadLetters interface {
	Insert(ev types.FireEvent, reason string) error
}

// AlertReader exposes the persisted alert an event refers to, so a delivery
// can be dropped once a newer epoch has been persisted for the same alert.
type AlertReader interface {
	Get(id string) (types.Alert, error)
}

type Config struct {
	Attempts  int
	Backoff   time.Duration
	QueueSize int

	// Alerts is consulted before every delivery attempt; nil skips the
	// persisted-epoch check.
	Alerts AlertReader

	// Optional counters; nil is fine in tests.
	Deliveries  prometheus.Counter
	DeadLetters prometheus.Counter
}

// Dispatcher delivers fire events with bounded exponential backoff and
// at-most-one user-visible message per (alert id, epoch). A single consumer
// goroutine drains the queue, so deliveries for one alert happen in epoch
// order and a stale epoch is simply dropped.
type Dispatcher struct {
	sender  Sender
	letters DeadLetters
	cfg     Config

	mu        sync.Mutex
	delivered map[string]int64 // alert id -> highest epoch confirmed delivered

	queue    chan types.FireEvent
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewDispatcher(sender Sender, letters DeadLetters, cfg Config) *Dispatcher {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Dispatcher{
		sender:    sender,
		letters:   letters,
		cfg:       cfg,
		delivered: make(map[string]int64),
		queue:     make(chan types.FireEvent, cfg.QueueSize),
		quit:      make(chan struct{}),
	}
}

// Seed primes the idempotency map from the persisted alert set, so a replayed
// event from before a restart cannot produce a duplicate message.
func (d *Dispatcher) Seed(alerts []types.Alert) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, a := range alerts {
		if a.Epoch > d.delivered[a.ID] {
			d.delivered[a.ID] = a.Epoch
		}
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.run(ctx)
	log.Println("🚀 Notification dispatcher started.")
}

// Stop drains already-queued events (retry sleeps are cut short) and returns.
// Safe to call more than once.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.quit)
		d.wg.Wait()
		log.Println("Notification dispatcher stopped.")
	})
}

// Enqueue hands an event to the delivery loop. It never blocks the scheduler:
// with the queue full the event is dead-lettered immediately.
func (d *Dispatcher) Enqueue(ev types.FireEvent) {
	select {
	case d.queue <- ev:
	default:
		log.Errorf("❌ Dispatch queue full, dead-lettering alert %s epoch %d", ev.AlertID, ev.Epoch)
		d.deadLetter(ev, "dispatch queue full")
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		case <-ctx.Done():
			return
		case <-d.quit:
			for {
				select {
				case ev := <-d.queue:
					d.deliver(ctx, ev)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev types.FireEvent) {
	backoff := d.cfg.Backoff
	var lastErr error
	for attempt := 1; attempt <= d.cfg.Attempts; attempt++ {
		if d.stale(ev) {
			log.Debugf("Stale delivery for alert %s epoch %d, dropping", ev.AlertID, ev.Epoch)
			return
		}
		lastErr = d.sender.Notify(ev)
		if lastErr == nil {
			d.markDelivered(ev)
			if d.cfg.Deliveries != nil {
				d.cfg.Deliveries.Inc()
			}
			return
		}
		if errors.Is(lastErr, ErrRejected) {
			break
		}
		log.Debugf("Delivery attempt %d for alert %s failed: %v", attempt, ev.AlertID, lastErr)
		if attempt < d.cfg.Attempts && !d.sleep(ctx, backoff) {
			break
		}
		backoff *= 2
	}

	log.Errorf("❌ Giving up on alert %s epoch %d: %v", ev.AlertID, ev.Epoch, lastErr)
	d.deadLetter(ev, lastErr.Error())
}

// stale reports whether the event was already delivered or has been superseded.
// The persisted epoch is re-read before every attempt: a later crossing that
// landed while this event waited in the retry loop wins over it. A deleted
// alert does not mark the event stale, since one-shot alerts are removed right
// after they fire and their single notification must still go out.
func (d *Dispatcher) stale(ev types.FireEvent) bool {
	d.mu.Lock()
	delivered := ev.Epoch <= d.delivered[ev.AlertID]
	d.mu.Unlock()
	if delivered {
		return true
	}
	if d.cfg.Alerts == nil {
		return false
	}
	current, err := d.cfg.Alerts.Get(ev.AlertID)
	if err != nil {
		return false
	}
	return current.Epoch > ev.Epoch
}

func (d *Dispatcher) markDelivered(ev types.FireEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ev.Epoch > d.delivered[ev.AlertID] {
		d.delivered[ev.AlertID] = ev.Epoch
	}
}

func (d *Dispatcher) deadLetter(ev types.FireEvent, reason string) {
	if d.cfg.DeadLetters != nil {
		d.cfg.DeadLetters.Inc()
	}
	if d.letters == nil {
		return
	}
	if err := d.letters.Insert(ev, reason); err != nil {
		log.Errorf("❌ Failed to record dead letter for alert %s: %v", ev.AlertID, err)
	}
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) bool {
	select {
	case <-time.After(dur):
		return true
	case <-d.quit:
		return false
	case <-ctx.Done():
		return false
	}
}
