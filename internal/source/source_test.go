package source

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitPair(t *testing.T) {
	tests := []struct {
		symbol string
		sep    string
		want   string
		ok     bool
	}{
		{"BTCUSDT", "-", "BTC-USDT", true},
		{"ETHBTC", "_", "ETH_BTC", true},
		{"SOLUSDC", "-", "SOL-USDC", true},
		{"USDT", "-", "", false},   // quote with no base
		{"XYZABC", "-", "", false}, // unknown quote asset
	}
	for _, tt := range tests {
		got, ok := splitPair(tt.symbol, tt.sep)
		assert.Equal(t, tt.ok, ok, tt.symbol)
		assert.Equal(t, tt.want, got, tt.symbol)
	}
}

func TestFailureKind(t *testing.T) {
	assert.Equal(t, "timeout", FailureKind(ErrTimeout))
	assert.Equal(t, "rate_limited", FailureKind(errors.Wrap(ErrRateLimited, "upstream said 429")))
	assert.Equal(t, "malformed", FailureKind(ErrMalformedResponse))
	assert.Equal(t, "stale", FailureKind(ErrStale))
	assert.Equal(t, "unreachable", FailureKind(ErrUnreachable))
	assert.Equal(t, "unknown", FailureKind(errors.New("something else")))
}

func TestClassifyResponseDecodeFailureIsMalformed(t *testing.T) {
	// A 200 whose body resty cannot unmarshal must not look like a
	// transport failure.
	err := classifyResponse(nil, &json.SyntaxError{Offset: 1})
	assert.ErrorIs(t, err, ErrMalformedResponse)

	err = classifyResponse(nil, &json.UnmarshalTypeError{Value: "string", Type: reflect.TypeOf(0), Offset: 1})
	assert.ErrorIs(t, err, ErrMalformedResponse)

	err = classifyResponse(nil, errors.New("connection refused"))
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestPollingSourceForEverySupportedExchange(t *testing.T) {
	for _, exchange := range SupportedExchanges() {
		if exchange == ExchangeBinanceWS {
			continue
		}
		src, err := newPollingSource(exchange)
		require.NoError(t, err, exchange)
		assert.NotNil(t, src, exchange)
	}

	_, err := newPollingSource("NASDAQ")
	assert.Error(t, err)
}

func TestParsePrice(t *testing.T) {
	obs, err := parsePrice("BINANCE", "BTCUSDT", " 50123.45 ")
	require.NoError(t, err)
	assert.Equal(t, "50123.45", obs.Price.String())
	assert.Equal(t, "BINANCE", obs.Exchange)

	_, err = parsePrice("BINANCE", "BTCUSDT", "not-a-number")
	assert.ErrorIs(t, err, ErrMalformedResponse)
}
