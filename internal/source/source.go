package source

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"crypto-alert-bot/internal/types"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// PriceSource normalizes a symbol query into a single price observation.
// Adapters are symmetric: polling and streaming transports expose the same
// contract, so callers never care which one they hold. Streaming adapters
// additionally implement io.Closer.
type PriceSource interface {
	Fetch(ctx context.Context, symbol string) (types.PriceObservation, error)
}

// Failure kinds. All of them are transient from the scheduler's point of view:
// the affected subscription skips the tick and nothing else happens.
var (
	ErrTimeout           = errors.New("source timeout")
	ErrRateLimited       = errors.New("source rate limited")
	ErrMalformedResponse = errors.New("malformed source response")
	ErrUnreachable       = errors.New("source unreachable")
	ErrStale             = errors.New("stale source data")
)

// FailureKind maps a fetch error to a stable label for counters.
func FailureKind(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, ErrStale):
		return "stale"
	case errors.Is(err, ErrUnreachable):
		return "unreachable"
	default:
		return "unknown"
	}
}

func newHTTPClient(baseURL string) *resty.Client {
	// No client-level timeout or retries: the registry bounds every fetch
	// with its own context and the scheduler owns retry policy.
	return resty.New().
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/json")
}

func classifyResponse(resp *resty.Response, err error) error {
	if err != nil {
		var nerr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
			return errors.Wrap(ErrTimeout, err.Error())
		}
		// A 200 whose body does not decode is the upstream's fault, not a
		// transport failure.
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
			return errors.Wrap(ErrMalformedResponse, err.Error())
		}
		return errors.Wrap(ErrUnreachable, err.Error())
	}
	switch {
	case resp.StatusCode() == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode() != http.StatusOK:
		return errors.Wrapf(ErrUnreachable, "status %d", resp.StatusCode())
	}
	return nil
}

func parsePrice(exchange, symbol, raw string) (types.PriceObservation, error) {
	price, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return types.PriceObservation{}, errors.Wrapf(ErrMalformedResponse, "%s: price %q", exchange, raw)
	}
	return types.PriceObservation{
		Exchange:  exchange,
		Symbol:    symbol,
		Price:     price,
		Timestamp: time.Now(),
	}, nil
}

// quoteAssets are tried longest-first when an exchange wants a separated pair
// (KUCOIN: BTC-USDT, GATEIO: BTC_USDT) and we only hold the normalized form.
var quoteAssets = []string{"USDT", "USDC", "BUSD", "TUSD", "BTC", "ETH", "USD"}

func splitPair(symbol, sep string) (string, bool) {
	for _, quote := range quoteAssets {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return symbol[:len(symbol)-len(quote)] + sep + quote, true
		}
	}
	return "", false
}

// FetchOnce issues a single ad hoc fetch without going through the registry.
// Streaming exchanges fall back to their polling twin since a fresh stream has
// nothing cached yet.
func FetchOnce(ctx context.Context, exchange, symbol string, timeout time.Duration) (types.PriceObservation, error) {
	if exchange == ExchangeBinanceWS {
		exchange = ExchangeBinance
	}
	src, err := newPollingSource(exchange)
	if err != nil {
		return types.PriceObservation{}, err
	}
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return src.Fetch(fctx, symbol)
}
