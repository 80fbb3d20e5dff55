package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/kyzlo-labs/scalper-core/internal/types"
)

// PollSource is the Secondary price feed: a plain request-per-call REST
// poll, used only when Primary fails, is stale or is in backoff. Grounded on the
// teacher's fetchJSON helper, generalized onto a resty client instead of
// a hand-rolled net/http + io.LimitReader call.
type PollSource struct {
	client  *resty.Client
	baseURL string
}

// NewPollSource builds a Secondary source against baseURL.
func NewPollSource(baseURL string, timeout time.Duration) *PollSource {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(0)
	return &PollSource{client: client, baseURL: baseURL}
}

type priceQuoteResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
	Ok     *bool  `json:"ok,omitempty"`
}

type throttledError struct{ msg string }

func (e *throttledError) Error() string   { return e.msg }
func (e *throttledError) Throttled() bool { return true }

// Fetch issues a single REST request for pair's current price.
func (p *PollSource) Fetch(ctx context.Context, pair types.Pair) (decimal.Decimal, time.Time, error) {
	var out priceQuoteResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", pair.ID()).
		SetResult(&out).
		Get("/price")
	if err != nil {
		return decimal.Decimal{}, time.Time{}, fmt.Errorf("fetch secondary price: %w", err)
	}
	if resp.StatusCode() == 429 {
		return decimal.Decimal{}, time.Time{}, &throttledError{msg: "secondary price source throttled"}
	}
	if resp.IsError() {
		return decimal.Decimal{}, time.Time{}, fmt.Errorf("secondary price source status=%d", resp.StatusCode())
	}
	if out.Price == "" {
		return decimal.Decimal{}, time.Time{}, fmt.Errorf("secondary price source: missing price field")
	}

	price, err := decimal.NewFromString(out.Price)
	if err != nil {
		return decimal.Decimal{}, time.Time{}, fmt.Errorf("secondary price source: malformed price %q: %w", out.Price, err)
	}
	return price, time.Now(), nil
}
