package source

import (
	"context"
	"encoding/json"
	"strings"

	"crypto-alert-bot/internal/types"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

type htxSource struct {
	client *resty.Client
}

func newHtxSource() *htxSource {
	return &htxSource{client: newHTTPClient("https://api.huobi.pro")}
}

// HTX wants the pair lowercased with no separator and reports the close as a
// JSON number.
func (s *htxSource) Fetch(ctx context.Context, symbol string) (types.PriceObservation, error) {
	var out struct {
		Status string `json:"status"`
		Tick   struct {
			Close json.Number `json:"close"`
		} `json:"tick"`
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", strings.ToLower(symbol)).
		SetResult(&out).
		Get("/market/detail/merged")

	if cerr := classifyResponse(resp, err); cerr != nil {
		return types.PriceObservation{}, errors.Wrap(cerr, "htx")
	}
	if out.Status != "ok" || out.Tick.Close == "" {
		return types.PriceObservation{}, errors.Wrapf(ErrMalformedResponse, "htx: status %q", out.Status)
	}
	return parsePrice(ExchangeHtx, symbol, out.Tick.Close.String())
}
