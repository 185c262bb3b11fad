package source

import (
	"context"

	"crypto-alert-bot/internal/types"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

type kucoinSource struct {
	client *resty.Client
}

func newKucoinSource() *kucoinSource {
	return &kucoinSource{client: newHTTPClient("https://api.kucoin.com")}
}

func (s *kucoinSource) Fetch(ctx context.Context, symbol string) (types.PriceObservation, error) {
	pair, ok := splitPair(symbol, "-")
	if !ok {
		return types.PriceObservation{}, errors.Wrapf(ErrMalformedResponse, "kucoin: cannot derive pair from %s", symbol)
	}

	var out struct {
		Code string `json:"code"`
		Data struct {
			Price string `json:"price"`
		} `json:"data"`
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", pair).
		SetResult(&out).
		Get("/api/v1/market/orderbook/level1")

	if cerr := classifyResponse(resp, err); cerr != nil {
		return types.PriceObservation{}, errors.Wrap(cerr, "kucoin")
	}
	if out.Code != "200000" || out.Data.Price == "" {
		return types.PriceObservation{}, errors.Wrapf(ErrMalformedResponse, "kucoin: code %s", out.Code)
	}
	return parsePrice(ExchangeKucoin, symbol, out.Data.Price)
}
