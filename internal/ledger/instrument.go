package ledger

import (
	"context"
	"time"

	"github.com/bcnelson/tontine-manager/internal/domain"
	"github.com/bcnelson/tontine-manager/internal/metrics"
	"github.com/shopspring/decimal"
)

type instrumentedGateway struct {
	next Gateway
}

// Instrument records call counts and latencies for every gateway call.
func Instrument(next Gateway) Gateway {
	return &instrumentedGateway{next: next}
}

func (g *instrumentedGateway) NewWallet(ctx context.Context) (Credential, error) {
	start := time.Now()
	cred, err := g.next.NewWallet(ctx)
	metrics.RecordLedgerCall("new_wallet", time.Since(start), err)
	return cred, err
}

func (g *instrumentedGateway) BalanceOf(ctx context.Context, address string) (decimal.Decimal, error) {
	start := time.Now()
	balance, err := g.next.BalanceOf(ctx, address)
	metrics.RecordLedgerCall("balance", time.Since(start), err)
	return balance, err
}

func (g *instrumentedGateway) EnsureTrustline(ctx context.Context, cred Credential) (TrustlineResult, error) {
	start := time.Now()
	result, err := g.next.EnsureTrustline(ctx, cred)
	metrics.RecordLedgerCall("trustline", time.Since(start), err)
	return result, err
}

func (g *instrumentedGateway) Transfer(ctx context.Context, cred Credential, destination string, amount decimal.Decimal) (*domain.Receipt, error) {
	start := time.Now()
	receipt, err := g.next.Transfer(ctx, cred, destination, amount)
	metrics.RecordLedgerCall("transfer", time.Since(start), err)
	return receipt, err
}

func (g *instrumentedGateway) TransferStatus(ctx context.Context, hash string) (*domain.Receipt, error) {
	start := time.Now()
	receipt, err := g.next.TransferStatus(ctx, hash)
	metrics.RecordLedgerCall("transfer_status", time.Since(start), err)
	return receipt, err
}
