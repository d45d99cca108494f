package ledger

import (
	"context"
	"time"

	"github.com/bcnelson/tontine-manager/internal/domain"
	"github.com/shopspring/decimal"
)

type timeoutGateway struct {
	next    Gateway
	timeout time.Duration
}

// WithTimeout bounds every call to next by d. A call that runs out of time
// fails with ErrGatewayUnavailable.
func WithTimeout(next Gateway, d time.Duration) Gateway {
	if d <= 0 {
		return next
	}
	return &timeoutGateway{next: next, timeout: d}
}

func (g *timeoutGateway) NewWallet(ctx context.Context) (Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	cred, err := g.next.NewWallet(ctx)
	return cred, classify("new wallet", err)
}

func (g *timeoutGateway) BalanceOf(ctx context.Context, address string) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	balance, err := g.next.BalanceOf(ctx, address)
	return balance, classify("balance", err)
}

func (g *timeoutGateway) EnsureTrustline(ctx context.Context, cred Credential) (TrustlineResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	result, err := g.next.EnsureTrustline(ctx, cred)
	return result, classify("trustline", err)
}

func (g *timeoutGateway) Transfer(ctx context.Context, cred Credential, destination string, amount decimal.Decimal) (*domain.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	receipt, err := g.next.Transfer(ctx, cred, destination, amount)
	return receipt, classify("transfer", err)
}

func (g *timeoutGateway) TransferStatus(ctx context.Context, hash string) (*domain.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	receipt, err := g.next.TransferStatus(ctx, hash)
	return receipt, classify("transfer status", err)
}
