package poller

import (
	"context"
	"log/slog"
	"time"

	"alpha-engine/internal/exchange"
	"alpha-engine/internal/store"
	"alpha-engine/pkg/types"
)

// TickerAPI is the futures ticker endpoint.
type TickerAPI interface {
	TickerPrices(ctx context.Context) ([]exchange.TickerPrice, error)
}

// PricePoller refreshes the "prices" config key with current marks for the
// configured symbol set. It produces no events; the web process reads the
// key directly.
type PricePoller struct {
	client  TickerAPI
	config  *store.ConfigStore
	symbols map[string]bool
	logger  *slog.Logger
}

func NewPricePoller(client TickerAPI, config *store.ConfigStore, symbols []string, logger *slog.Logger) *PricePoller {
	set := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		set[s] = true
	}
	return &PricePoller{
		client:  client,
		config:  config,
		symbols: set,
		logger:  logger.With("poller", "prices"),
	}
}

func (p *PricePoller) Name() string            { return "prices" }
func (p *PricePoller) Interval() time.Duration { return time.Minute }

func (p *PricePoller) DoPoll(ctx context.Context, since time.Time) (int, error) {
	tickers, err := p.client.TickerPrices(ctx)
	if err != nil {
		return 0, err
	}

	prices := make(map[string]string, len(p.symbols))
	for _, t := range tickers {
		if p.symbols[t.Symbol] {
			prices[t.Symbol] = t.Price
		}
	}
	if len(prices) == 0 {
		return 0, nil
	}
	if _, err := p.config.Set(ctx, store.KeyPrices, prices, types.SystemActor); err != nil {
		return 0, err
	}
	return 0, nil
}
