package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/kyzlo-labs/scalper-core/internal/types"
)

// WebsocketSource is the Primary price feed: a single streamed connection
// that pushes ticks for every subscribed pair, with reconnect-with-backoff
// exactly as the teacher's orderbook websocket workers do. Fetch never
// blocks on the network; it returns whatever the background loop has most
// recently cached, or an error if nothing has arrived yet.
type WebsocketSource struct {
	url    string
	apiKey string
	logger *slog.Logger

	mu     sync.RWMutex
	latest map[string]tick

	minBackoff time.Duration
	maxBackoff time.Duration
}

type tick struct {
	price      decimal.Decimal
	capturedAt time.Time
}

// NewWebsocketSource builds a Primary source. Run must be started in a
// background goroutine by the caller before Fetch returns useful data.
func NewWebsocketSource(url, apiKey string, logger *slog.Logger) *WebsocketSource {
	return &WebsocketSource{
		url:        url,
		apiKey:     apiKey,
		logger:     logger,
		latest:     make(map[string]tick),
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
	}
}

// Fetch returns the most recently streamed price for pair.
func (w *WebsocketSource) Fetch(_ context.Context, pair types.Pair) (decimal.Decimal, time.Time, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	t, ok := w.latest[pair.ID()]
	if !ok {
		return decimal.Decimal{}, time.Time{}, fmt.Errorf("no streamed price yet for %s", pair.ID())
	}
	return t.price, t.capturedAt, nil
}

type wsTickMessage struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// Run drives the reconnect-with-backoff loop until ctx is cancelled.
// Grounded on orderbook_fetcher.go's runTargetWebsocketLoop/nextBackoff.
func (w *WebsocketSource) Run(ctx context.Context, pairs []types.Pair) {
	backoff := w.minBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		connectedAt := time.Now()
		err := w.consumeOnce(ctx, pairs)
		if time.Since(connectedAt) > w.maxBackoff {
			backoff = w.minBackoff
		} else {
			backoff = nextBackoff(backoff, w.maxBackoff)
		}
		if err != nil {
			w.logger.Warn("price stream disconnected", "err", err, "retry_in", backoff.String())
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func (w *WebsocketSource) consumeOnce(ctx context.Context, pairs []types.Pair) error {
	dialURL := w.url
	if w.apiKey != "" {
		sep := "?"
		if strings.Contains(dialURL, "?") {
			sep = "&"
		}
		dialURL = dialURL + sep + "apiKey=" + w.apiKey
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		return fmt.Errorf("dial price stream: %w", err)
	}
	defer conn.Close()

	for _, p := range pairs {
		sub := map[string]any{"op": "subscribe", "symbol": p.ID()}
		if err := conn.WriteJSON(sub); err != nil {
			return fmt.Errorf("subscribe %s: %w", p.ID(), err)
		}
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var msg wsTickMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read price stream: %w", err)
		}
		price, err := decimal.NewFromString(msg.Price)
		if err != nil || !price.IsPositive() {
			continue
		}
		w.mu.Lock()
		w.latest[msg.Symbol] = tick{price: price, capturedAt: time.Now()}
		w.mu.Unlock()
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
