package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bcnelson/tontine-manager/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

// blockingGateway waits for the context on every call.
type blockingGateway struct{}

func (blockingGateway) NewWallet(ctx context.Context) (Credential, error) {
	<-ctx.Done()
	return Credential{}, ctx.Err()
}

func (blockingGateway) BalanceOf(ctx context.Context, address string) (decimal.Decimal, error) {
	<-ctx.Done()
	return decimal.Zero, ctx.Err()
}

func (blockingGateway) EnsureTrustline(ctx context.Context, cred Credential) (TrustlineResult, error) {
	<-ctx.Done()
	return TrustlineResult{}, ctx.Err()
}

func (blockingGateway) Transfer(ctx context.Context, cred Credential, destination string, amount decimal.Decimal) (*domain.Receipt, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingGateway) TransferStatus(ctx context.Context, hash string) (*domain.Receipt, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestWithTimeoutClassifiesDeadline(t *testing.T) {
	gw := WithTimeout(blockingGateway{}, 10*time.Millisecond)
	ctx := context.Background()

	_, err := gw.BalanceOf(ctx, "rWallet")
	assert.True(t, errors.Is(err, ErrGatewayUnavailable), "balance: %v", err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, domain.ErrCodeGatewayUnavailable, domain.KindOf(err))

	_, err = gw.EnsureTrustline(ctx, Credential{Address: "rWallet"})
	assert.True(t, errors.Is(err, ErrGatewayUnavailable), "trustline: %v", err)

	_, err = gw.Transfer(ctx, Credential{Address: "rWallet"}, "rDest", decimal.NewFromInt(1))
	assert.True(t, errors.Is(err, ErrGatewayUnavailable), "transfer: %v", err)

	_, err = gw.NewWallet(ctx)
	assert.True(t, errors.Is(err, ErrGatewayUnavailable), "wallet: %v", err)

	_, err = gw.TransferStatus(ctx, "PAYHASH")
	assert.True(t, errors.Is(err, ErrGatewayUnavailable), "transfer status: %v", err)
}

func TestAmbiguous(t *testing.T) {
	submitted := &domain.Receipt{TxHash: "PAYHASH"}
	assert.True(t, Ambiguous(submitted, ErrGatewayUnavailable))
	assert.True(t, Ambiguous(submitted, ErrUnconfirmed))
	assert.False(t, Ambiguous(submitted, nil))
	assert.False(t, Ambiguous(submitted, ErrRejected))
	assert.False(t, Ambiguous(nil, ErrGatewayUnavailable), "never submitted")
	assert.False(t, Ambiguous(&domain.Receipt{TxHash: "PAYHASH", Code: "tecPATH_DRY"}, ErrGatewayUnavailable), "final result known")
}

func TestWithTimeoutKeepsClassifiedErrors(t *testing.T) {
	rejecting := WithTimeout(rejectGateway{}, time.Second)
	_, err := rejecting.BalanceOf(context.Background(), "rWallet")
	assert.True(t, errors.Is(err, ErrRejected))
	assert.False(t, errors.Is(err, ErrGatewayUnavailable))
}

func TestWithTimeoutDisabled(t *testing.T) {
	gw := rejectGateway{}
	assert.Equal(t, Gateway(gw), WithTimeout(gw, 0))
}

type rejectGateway struct{ blockingGateway }

func (rejectGateway) BalanceOf(ctx context.Context, address string) (decimal.Decimal, error) {
	return decimal.Zero, ErrRejected
}
