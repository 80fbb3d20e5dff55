// Package aggregator is the Jupiter-style quote/swap HTTP client. It
// exposes only the documented request/response contract from spec
// section 6 and never inspects aggregator internals beyond it. Grounded
// on resty usage in 0xtitan6-polymarket-mm, generalizing the teacher's
// hand-rolled fetchJSON helper onto a real HTTP client library.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/kyzlo-labs/scalper-core/internal/types"
)

// Quote is the validated response to a quote request. Every field here is
// required; a response missing any of them is treated as a schema breach
// and Quote() returns (nil, error), never a partially filled struct.
type Quote struct {
	InAmount       uint64
	OutAmount      uint64
	RoutePlan      []byte // JSON-encoded route_plan; BuildSwap sends it back inside the raw response
	PriceImpactBps int64
	raw            quoteResponse
}

type quoteResponse struct {
	InAmount       string  `json:"in_amount"`
	OutAmount      string  `json:"out_amount"`
	RoutePlan      any     `json:"route_plan"`
	PriceImpactPct *string `json:"price_impact_pct"`
}

type swapRequest struct {
	Quote               any    `json:"quote"`
	UserAddress         string `json:"user_address"`
	WrapUnwrapNative    bool   `json:"wrap_unwrap_native"`
	PriorityFeeLamports any    `json:"priority_fee_lamports"`
}

type swapResponse struct {
	SwapTransaction string `json:"swap_transaction"`
}

// Client is the AggregatorClient described in spec section 4.3.
type Client struct {
	http            *resty.Client
	maxQuoteRetries int
}

// New builds a Client against baseURL.
func New(baseURL string, timeout time.Duration, maxQuoteRetries int) *Client {
	if maxQuoteRetries <= 0 {
		maxQuoteRetries = 3
	}
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetRetryCount(0),
		maxQuoteRetries: maxQuoteRetries,
	}
}

// Quote fetches a route quote, retrying up to maxQuoteRetries times with
// exponential backoff on 429/5xx only; every other error is terminal.
// Quote requests are idempotent and read-only so internal retry here is
// safe; BuildSwap is never retried internally, the attempt ladder owns
// that retry.
func (c *Client) Quote(ctx context.Context, inputMint, outputMint string, amountIn uint64, slippageBps uint32) (*Quote, error) {
	var lastErr error
	backoff := 200 * time.Millisecond
	for attempt := 0; attempt <= c.maxQuoteRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		var raw quoteResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"input_mint":   inputMint,
				"output_mint":  outputMint,
				"amount":       fmt.Sprint(amountIn),
				"slippage_bps": fmt.Sprint(slippageBps),
			}).
			SetResult(&raw).
			Get("/quote")
		if err != nil {
			return nil, fmt.Errorf("quote request: %w", err)
		}
		if resp.StatusCode() == 429 || resp.StatusCode() >= 500 {
			lastErr = fmt.Errorf("quote request: status=%d", resp.StatusCode())
			continue
		}
		if resp.IsError() {
			return nil, fmt.Errorf("quote request: status=%d", resp.StatusCode())
		}

		q, err := validateQuote(raw)
		if err != nil {
			return nil, err
		}
		return q, nil
	}
	return nil, fmt.Errorf("quote failed after %d retries: %w", c.maxQuoteRetries, lastErr)
}

func validateQuote(raw quoteResponse) (*Quote, error) {
	if raw.InAmount == "" || raw.OutAmount == "" || raw.RoutePlan == nil || raw.PriceImpactPct == nil {
		return nil, fmt.Errorf("quote schema: missing required field")
	}
	var inAmount, outAmount uint64
	if _, err := fmt.Sscan(raw.InAmount, &inAmount); err != nil {
		return nil, fmt.Errorf("quote schema: malformed in_amount %q: %w", raw.InAmount, err)
	}
	if _, err := fmt.Sscan(raw.OutAmount, &outAmount); err != nil {
		return nil, fmt.Errorf("quote schema: malformed out_amount %q: %w", raw.OutAmount, err)
	}

	var impactPct float64
	if _, err := fmt.Sscan(*raw.PriceImpactPct, &impactPct); err != nil {
		return nil, fmt.Errorf("quote schema: malformed price_impact_pct %q: %w", *raw.PriceImpactPct, err)
	}
	impactBps := int64(impactPct * 100)

	routePlan, err := json.Marshal(raw.RoutePlan)
	if err != nil {
		return nil, fmt.Errorf("quote schema: malformed route_plan: %w", err)
	}

	return &Quote{
		InAmount:       inAmount,
		OutAmount:      outAmount,
		RoutePlan:      routePlan,
		PriceImpactBps: impactBps,
		raw:            raw,
	}, nil
}

// BuildSwap builds swap transaction bytes for a previously fetched quote.
// Never retried internally; a failure here is a definite FAILURE and the
// ladder decides whether to re-quote and try again.
func (c *Client) BuildSwap(ctx context.Context, q *Quote, userAddress string, priorityFeeMicroLamports uint64, priorityFeeAuto bool) ([]byte, error) {
	if q == nil {
		return nil, fmt.Errorf("build swap: nil quote")
	}

	var priorityFee any = priorityFeeMicroLamports
	if priorityFeeAuto {
		priorityFee = "auto"
	}

	var out swapResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(swapRequest{
			Quote:                q.raw,
			UserAddress:          userAddress,
			WrapUnwrapNative:     true,
			PriorityFeeLamports: priorityFee,
		}).
		SetResult(&out).
		Post("/swap")
	if err != nil {
		return nil, fmt.Errorf("build swap request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("build swap request: status=%d", resp.StatusCode())
	}
	if out.SwapTransaction == "" {
		return nil, fmt.Errorf("build swap schema: missing swap_transaction")
	}

	return []byte(out.SwapTransaction), nil
}

// OutAmountPrice returns the UI-unit price (amountIn/OutAmount) implied by
// this quote, given the decimals of the input and output mints used for
// the request. The quote response itself carries no decimals, so callers
// must pass the pair's mint decimals in input/output order.
func (q *Quote) OutAmountPrice(amountIn uint64, inDecimals, outDecimals uint8) decimal.Decimal {
	if q.OutAmount == 0 {
		return decimal.Zero
	}
	inUI := decimal.NewFromInt(int64(amountIn)).Div(decimal.New(1, int32(inDecimals)))
	outUI := decimal.NewFromInt(int64(q.OutAmount)).Div(decimal.New(1, int32(outDecimals)))
	if outUI.IsZero() {
		return decimal.Zero
	}
	return inUI.Div(outUI)
}

// CheckPriceImpact applies the gate from spec section 4.3: a price impact
// beyond the configured cap is a definite FAILURE, never UNKNOWN, and no
// submit is attempted.
func CheckPriceImpact(q *Quote, maxPriceImpactBps int64) (ok bool, kind types.FailureKind) {
	if q.PriceImpactBps > maxPriceImpactBps {
		return false, types.FailurePriceImpact
	}
	return true, ""
}
