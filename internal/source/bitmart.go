package source

import (
	"context"
	"encoding/json"

	"crypto-alert-bot/internal/types"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

type bitmartSource struct {
	client *resty.Client
}

func newBitmartSource() *bitmartSource {
	return &bitmartSource{client: newHTTPClient("https://api-cloud.bitmart.com")}
}

func (s *bitmartSource) Fetch(ctx context.Context, symbol string) (types.PriceObservation, error) {
	pair, ok := splitPair(symbol, "_")
	if !ok {
		return types.PriceObservation{}, errors.Wrapf(ErrMalformedResponse, "bitmart: cannot derive pair from %s", symbol)
	}

	var out struct {
		Code json.Number `json:"code"`
		Data struct {
			Tickers []struct {
				LastPrice string `json:"last_price"`
			} `json:"tickers"`
		} `json:"data"`
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", pair).
		SetResult(&out).
		Get("/spot/v1/ticker")

	if cerr := classifyResponse(resp, err); cerr != nil {
		return types.PriceObservation{}, errors.Wrap(cerr, "bitmart")
	}
	if out.Code.String() != "1000" || len(out.Data.Tickers) == 0 {
		return types.PriceObservation{}, errors.Wrapf(ErrMalformedResponse, "bitmart: code %s", out.Code)
	}
	return parsePrice(ExchangeBitmart, symbol, out.Data.Tickers[0].LastPrice)
}
