// Package ledger is the boundary to the payment ledger: wallet allocation,
// stable-asset balances, trustlines and payments.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/bcnelson/tontine-manager/internal/domain"
	"github.com/shopspring/decimal"
)

// Gateway defines the ledger operations the services depend on.
type Gateway interface {
	NewWallet(ctx context.Context) (Credential, error)
	BalanceOf(ctx context.Context, address string) (decimal.Decimal, error)
	EnsureTrustline(ctx context.Context, cred Credential) (TrustlineResult, error)
	Transfer(ctx context.Context, cred Credential, destination string, amount decimal.Decimal) (*domain.Receipt, error)

	// TransferStatus looks up a submitted payment by hash. A payment that
	// is not in a validated ledger yet returns ErrUnconfirmed; a validated
	// failure returns its receipt with an ErrRejected error.
	TransferStatus(ctx context.Context, hash string) (*domain.Receipt, error)
}

// Credential is the key pair used to sign transactions for one wallet.
type Credential struct {
	Address string
	Secret  string
}

// String omits the secret.
func (c Credential) String() string { return c.Address }

// LogValue omits the secret from structured logs.
func (c Credential) LogValue() slog.Value { return slog.StringValue(c.Address) }

// TrustlineResult reports whether the trustline already existed and, if it
// was created, the ledger result of the TrustSet transaction.
type TrustlineResult struct {
	Existed bool
	Code    string
	TxHash  string
}

// kindError is a gateway failure class. Both classes wrap domain.ErrGateway.
type kindError struct {
	msg       string
	retryable bool
}

func (e *kindError) Error() string   { return e.msg }
func (e *kindError) Unwrap() error   { return domain.ErrGateway }
func (e *kindError) Retryable() bool { return e.retryable }

var (
	// ErrGatewayUnavailable covers timeouts and transport failures. Retrying
	// the same call later may succeed.
	ErrGatewayUnavailable error = &kindError{msg: "ledger gateway unavailable", retryable: true}

	// ErrRejected means the ledger answered and refused the request.
	ErrRejected error = &kindError{msg: "ledger rejected request"}

	// ErrUnconfirmed means a submitted transaction has no final result yet.
	ErrUnconfirmed error = &kindError{msg: "transaction not confirmed", retryable: true}
)

// Ambiguous reports whether a failed Transfer may still have moved funds:
// the payment was submitted and got a hash, but no final result came back.
func Ambiguous(receipt *domain.Receipt, err error) bool {
	if err == nil || receipt == nil || receipt.TxHash == "" || receipt.Code != "" {
		return false
	}
	var retryable domain.Retryable
	return errors.As(err, &retryable) && retryable.Retryable()
}

// classify maps transport-level failures onto ErrGatewayUnavailable and
// leaves already classified errors alone.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrGateway) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %s: %w", ErrGatewayUnavailable, op, err)
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrGateway, op, err)
}
