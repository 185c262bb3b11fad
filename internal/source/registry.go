package source

import (
	"context"
	"io"
	"sync"
	"time"

	"crypto-alert-bot/internal/types"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

// Supported exchange identifiers. BINANCE_WS is the push-based variant of
// BINANCE; the rest are polled.
const (
	ExchangeBinance   = "BINANCE"
	ExchangeBybit     = "BYBIT"
	ExchangeHtx       = "HTX"
	ExchangeKucoin    = "KUCOIN"
	ExchangeGateio    = "GATEIO"
	ExchangeBitmart   = "BITMART"
	ExchangeBinanceWS = "BINANCE_WS"
)

var supportedExchanges = []string{
	ExchangeBinance, ExchangeBybit, ExchangeHtx, ExchangeKucoin,
	ExchangeGateio, ExchangeBitmart, ExchangeBinanceWS,
}

func SupportedExchanges() []string {
	return supportedExchanges
}

func Supported(exchange string) bool {
	return lo.Contains(supportedExchanges, exchange)
}

func newPollingSource(exchange string) (PriceSource, error) {
	switch exchange {
	case ExchangeBinance:
		return newBinanceSource(), nil
	case ExchangeBybit:
		return newBybitSource(), nil
	case ExchangeHtx:
		return newHtxSource(), nil
	case ExchangeKucoin:
		return newKucoinSource(), nil
	case ExchangeGateio:
		return newGateioSource(), nil
	case ExchangeBitmart:
		return newBitmartSource(), nil
	default:
		return nil, errors.Errorf("unsupported exchange %s", exchange)
	}
}

// Result carries one key's fetch outcome. Failures stay isolated per key.
type Result struct {
	Observation types.PriceObservation
	Err         error
}

// Factory builds a source for a subscription key. Tests swap it for mocks.
type Factory func(key types.SubscriptionKey) (PriceSource, error)

type Option func(*Registry)

func WithFactory(f Factory) Option {
	return func(r *Registry) { r.factory = f }
}

func WithStreamFreshness(d time.Duration) Option {
	return func(r *Registry) { r.streamFreshness = d }
}

// Registry owns the subscription-key → source map. Sources start lazily when
// the first alert references their key and are torn down once no alert does.
// FetchAll fans out over a bounded worker pool so outbound request cardinality
// is capped regardless of how many alerts exist.
type Registry struct {
	workers         int
	fetchTimeout    time.Duration
	streamFreshness time.Duration
	factory         Factory

	mu      sync.Mutex
	sources map[types.SubscriptionKey]PriceSource
}

func NewRegistry(workers int, fetchTimeout time.Duration, opts ...Option) *Registry {
	r := &Registry{
		workers:         workers,
		fetchTimeout:    fetchTimeout,
		streamFreshness: 15 * time.Second,
		sources:         make(map[types.SubscriptionKey]PriceSource),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.factory == nil {
		r.factory = func(key types.SubscriptionKey) (PriceSource, error) {
			if key.Exchange == ExchangeBinanceWS {
				return newBinanceStream(key.Symbol, r.streamFreshness), nil
			}
			return newPollingSource(key.Exchange)
		}
	}
	return r
}

// Sync reconciles the source map against the live alert set: create sources
// for new keys, tear down sources nothing references anymore.
func (r *Registry) Sync(alerts []types.Alert) {
	live := make(map[types.SubscriptionKey]struct{}, len(alerts))
	for _, a := range alerts {
		live[a.Key()] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for key := range live {
		if _, ok := r.sources[key]; ok {
			continue
		}
		src, err := r.factory(key)
		if err != nil {
			log.Warnf("no source for %s: %v", key, err)
			continue
		}
		r.sources[key] = src
		log.Debugf("source started for %s", key)
	}

	for key, src := range r.sources {
		if _, ok := live[key]; ok {
			continue
		}
		if closer, ok := src.(io.Closer); ok {
			closer.Close()
		}
		delete(r.sources, key)
		log.Debugf("source stopped for %s", key)
	}
}

// FetchAll fetches every key exactly once with bounded parallelism. Each fetch
// carries its own timeout so one hanging source cannot stall the others past
// a single tick.
func (r *Registry) FetchAll(ctx context.Context, keys []types.SubscriptionKey) map[types.SubscriptionKey]Result {
	r.mu.Lock()
	snapshot := make(map[types.SubscriptionKey]PriceSource, len(keys))
	for _, key := range keys {
		snapshot[key] = r.sources[key]
	}
	r.mu.Unlock()

	workers := r.workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(keys) {
		workers = len(keys)
	}

	results := make(map[types.SubscriptionKey]Result, len(keys))
	var resMu sync.Mutex
	jobs := make(chan types.SubscriptionKey)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for key := range jobs {
				res := r.fetchOne(ctx, key, snapshot[key])
				resMu.Lock()
				results[key] = res
				resMu.Unlock()
			}
		}()
	}

	for _, key := range keys {
		jobs <- key
	}
	close(jobs)
	wg.Wait()

	return results
}

func (r *Registry) fetchOne(ctx context.Context, key types.SubscriptionKey, src PriceSource) Result {
	if src == nil {
		return Result{Err: errors.Wrapf(ErrUnreachable, "no source registered for %s", key)}
	}
	fctx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()

	obs, err := src.Fetch(fctx, key.Symbol)
	if err != nil {
		return Result{Err: err}
	}
	return Result{Observation: obs}
}

// Close tears down every source. Called on shutdown after the scheduler has
// drained.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, src := range r.sources {
		if closer, ok := src.(io.Closer); ok {
			closer.Close()
		}
		delete(r.sources, key)
	}
}
