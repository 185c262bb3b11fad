package source

import (
	"context"

	"crypto-alert-bot/internal/types"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

type bybitSource struct {
	client *resty.Client
}

func newBybitSource() *bybitSource {
	return &bybitSource{client: newHTTPClient("https://api.bybit.com")}
}

func (s *bybitSource) Fetch(ctx context.Context, symbol string) (types.PriceObservation, error) {
	var out struct {
		RetCode int `json:"retCode"`
		Result  struct {
			List []struct {
				LastPrice string `json:"lastPrice"`
			} `json:"list"`
		} `json:"result"`
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"category": "spot",
			"symbol":   symbol,
		}).
		SetResult(&out).
		Get("/v5/market/tickers")

	if cerr := classifyResponse(resp, err); cerr != nil {
		return types.PriceObservation{}, errors.Wrap(cerr, "bybit")
	}
	if out.RetCode != 0 || len(out.Result.List) == 0 {
		return types.PriceObservation{}, errors.Wrapf(ErrMalformedResponse, "bybit: retCode %d", out.RetCode)
	}
	return parsePrice(ExchangeBybit, symbol, out.Result.List[0].LastPrice)
}
