package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"hybrid_trader/internal/core"
)

const stateVersion = 1

// persistedOrder is one active-order record in the state file, including a
// pending failed-followup block when present.
type persistedOrder struct {
	Order        core.Order       `json:"order"`
	ExecutedSeen string           `json:"executed_seen,omitempty"`
	FailedFollow *persistedFollow `json:"failed_followup,omitempty"`
}

type persistedFollow struct {
	Kind        string    `json:"kind"`
	Price       string    `json:"price"`
	Quantity    string    `json:"quantity"`
	RetryCount  int       `json:"retry_count"`
	NextRetryAt time.Time `json:"next_retry_at"`
}

// persistedState is the on-disk shape of one bot's world. The configuration
// snapshot guards against a state file from a different deployment.
type persistedState struct {
	Version      int                       `json:"version"`
	Timestamp    time.Time                 `json:"timestamp"`
	Symbol       string                    `json:"symbol"`
	ActiveOrders map[string]persistedOrder `json:"active_orders"`
	Config       configSnapshot            `json:"config"`
}

type configSnapshot struct {
	Symbol        string `json:"symbol"`
	InvestmentUSD string `json:"investment_usd"`
	GridCount     int    `json:"grid_count"`
	RangePercent  string `json:"range_percent"`
	Testnet       bool   `json:"testnet"`
}

func (b *GridBot) stateKey() string {
	return fmt.Sprintf("bot_state_%s.json", b.cfg.Symbol)
}

// SaveState writes the bot's world atomically. Called at the end of every
// tick and once more on emergency stop.
func (b *GridBot) SaveState(ctx context.Context) error {
	b.mu.Lock()
	st := persistedState{
		Version:      stateVersion,
		Timestamp:    b.clock.Now(),
		Symbol:       b.cfg.Symbol,
		ActiveOrders: make(map[string]persistedOrder, len(b.active)),
		Config: configSnapshot{
			Symbol:        b.cfg.Symbol,
			InvestmentUSD: b.cfg.InvestmentUSD.String(),
			GridCount:     b.cfg.GridCount,
			RangePercent:  b.cfg.RangePercent.String(),
			Testnet:       b.cfg.Testnet,
		},
	}
	for id, rec := range b.active {
		po := persistedOrder{Order: rec.order, ExecutedSeen: rec.executedSeen.String()}
		if rec.failed != nil {
			po.FailedFollow = &persistedFollow{
				Kind:        rec.failed.action.Kind.String(),
				Price:       rec.failed.action.Price.String(),
				Quantity:    rec.failed.action.Quantity.String(),
				RetryCount:  rec.failed.retryCount,
				NextRetryAt: rec.failed.nextRetryAt,
			}
		}
		st.ActiveOrders[fmt.Sprintf("%d", id)] = po
	}
	b.mu.Unlock()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal bot state %s: %w", b.cfg.Symbol, err)
	}
	if err := b.store.Write(ctx, b.stateKey(), data); err != nil {
		return fmt.Errorf("persist bot state %s: %w", b.cfg.Symbol, err)
	}
	return nil
}

// readState loads and parses the state file. A missing file returns
// (nil, nil); corruption returns an error the caller treats as fresh start.
func (b *GridBot) readState(ctx context.Context) (*persistedState, error) {
	data, err := b.store.Read(ctx, b.stateKey())
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var st persistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("corrupt state for %s: %w", b.cfg.Symbol, err)
	}
	if st.Version != stateVersion {
		return nil, fmt.Errorf("state version %d for %s not supported", st.Version, b.cfg.Symbol)
	}
	return &st, nil
}
