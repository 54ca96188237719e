// Package ledger reads credit balances and performs the guarded debit.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/makeasinger/songgen/internal/store"
)

// ErrInvalidAmount is returned for non-positive debit amounts.
var ErrInvalidAmount = errors.New("debit amount must be positive")

// Client talks to the remote credit store.
type Client struct {
	store store.CreditStore
	log   zerolog.Logger
}

// New creates a new ledger Client.
func New(s store.CreditStore, log zerolog.Logger) *Client {
	return &Client{
		store: s,
		log:   log.With().Str("component", "ledger").Logger(),
	}
}

// Balance returns the principal's current balance.
func (c *Client) Balance(ctx context.Context, principal string) (int64, error) {
	bal, err := c.store.GetBalance(ctx, principal)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return bal, nil
}

// Debit subtracts amount in one atomic remote operation. It returns false
// when the balance did not cover the amount; the balance is then unchanged.
func (c *Client) Debit(ctx context.Context, principal string, amount int64) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}

	ok, err := c.store.DebitCredits(ctx, principal, amount)
	if err != nil {
		return false, fmt.Errorf("debit credits: %w", err)
	}
	if !ok {
		c.log.Warn().Str("principal", principal).Int64("amount", amount).Msg("debit refused: insufficient balance")
	}
	return ok, nil
}
