package source

import (
	"context"

	"crypto-alert-bot/internal/types"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

type binanceSource struct {
	client *resty.Client
}

func newBinanceSource() *binanceSource {
	return &binanceSource{client: newHTTPClient("https://api.binance.com")}
}

func (s *binanceSource) Fetch(ctx context.Context, symbol string) (types.PriceObservation, error) {
	var out struct {
		Price string `json:"price"`
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&out).
		Get("/api/v3/ticker/price")

	if cerr := classifyResponse(resp, err); cerr != nil {
		return types.PriceObservation{}, errors.Wrap(cerr, "binance")
	}
	return parsePrice(ExchangeBinance, symbol, out.Price)
}
