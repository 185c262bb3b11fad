package source

import (
	"context"

	"crypto-alert-bot/internal/types"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

type gateioSource struct {
	client *resty.Client
}

func newGateioSource() *gateioSource {
	return &gateioSource{client: newHTTPClient("https://api.gateio.ws")}
}

func (s *gateioSource) Fetch(ctx context.Context, symbol string) (types.PriceObservation, error) {
	pair, ok := splitPair(symbol, "_")
	if !ok {
		return types.PriceObservation{}, errors.Wrapf(ErrMalformedResponse, "gateio: cannot derive pair from %s", symbol)
	}

	var out []struct {
		CurrencyPair string `json:"currency_pair"`
		Last         string `json:"last"`
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParam("currency_pair", pair).
		SetResult(&out).
		Get("/api/v4/spot/tickers")

	if cerr := classifyResponse(resp, err); cerr != nil {
		return types.PriceObservation{}, errors.Wrap(cerr, "gateio")
	}
	for _, ticker := range out {
		if ticker.CurrencyPair == pair {
			return parsePrice(ExchangeGateio, symbol, ticker.Last)
		}
	}
	return types.PriceObservation{}, errors.Wrapf(ErrMalformedResponse, "gateio: pair %s missing from response", pair)
}
