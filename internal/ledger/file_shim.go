package ledger

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bcnelson/tontine-manager/internal/domain"
	"github.com/shopspring/decimal"
)

// base58 alphabet used by ledger addresses.
const addressAlphabet = "rpshnaf39wBUDNEGHJKLM4PQRST7VWXYZ2bcdeCg65jkm8oFqi1tuvAxyz"

// FileShim is a local stand-in for the ledger that keeps accounts in a JSON
// file. It is used for development and tests.
type FileShim struct {
	filePath string
	logger   *slog.Logger
	mu       sync.Mutex
}

// Ensure FileShim implements Gateway.
var _ Gateway = (*FileShim)(nil)

type shimAccount struct {
	Secret    string          `json:"secret"`
	Trustline bool            `json:"trustline"`
	Balance   decimal.Decimal `json:"balance"`
}

type shimTx struct {
	Hash        string          `json:"hash"`
	Type        string          `json:"type"`
	Account     string          `json:"account"`
	Destination string          `json:"destination,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Result      string          `json:"result"`
	At          time.Time       `json:"at"`
}

type shimState struct {
	Accounts     map[string]*shimAccount `json:"accounts"`
	Transactions []shimTx                `json:"transactions"`
}

// NewFileShim creates a new file-based ledger shim.
func NewFileShim(filePath string, logger *slog.Logger) *FileShim {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileShim{filePath: filePath, logger: logger}
}

func (f *FileShim) load() (*shimState, error) {
	state := &shimState{Accounts: map[string]*shimAccount{}}
	data, err := os.ReadFile(f.filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading ledger file: %w", domain.ErrGateway, err)
	}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("%w: parsing ledger file: %v", domain.ErrGateway, err)
	}
	if state.Accounts == nil {
		state.Accounts = map[string]*shimAccount{}
	}
	return state, nil
}

func (f *FileShim) save(state *shimState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshaling ledger: %w", domain.ErrGateway, err)
	}
	if err := os.WriteFile(f.filePath, data, 0o644); err != nil {
		return fmt.Errorf("%w: writing ledger file: %w", domain.ErrGateway, err)
	}
	return nil
}

func randomString(prefix string, n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(prefix)
	for _, c := range buf {
		b.WriteByte(addressAlphabet[int(c)%len(addressAlphabet)])
	}
	return b.String(), nil
}

// txHash derives a transaction hash from its contents.
func txHash(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// NewWallet allocates a new account with no trustline and no balance.
func (f *FileShim) NewWallet(ctx context.Context) (Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, err := f.load()
	if err != nil {
		return Credential{}, err
	}
	address, err := randomString("r", 33)
	if err != nil {
		return Credential{}, fmt.Errorf("generating address: %w", err)
	}
	secret, err := randomString("s", 28)
	if err != nil {
		return Credential{}, fmt.Errorf("generating secret: %w", err)
	}
	state.Accounts[address] = &shimAccount{Secret: secret, Balance: decimal.Zero}
	if err := f.save(state); err != nil {
		return Credential{}, err
	}
	f.logger.Info("ledger shim wallet created", "address", address)
	return Credential{Address: address, Secret: secret}, nil
}

// BalanceOf returns the stable-asset balance; unknown accounts hold zero.
func (f *FileShim) BalanceOf(ctx context.Context, address string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, err := f.load()
	if err != nil {
		return decimal.Zero, err
	}
	acct, ok := state.Accounts[address]
	if !ok || !acct.Trustline {
		return decimal.Zero, nil
	}
	return acct.Balance, nil
}

func authorize(state *shimState, cred Credential) (*shimAccount, error) {
	acct, ok := state.Accounts[cred.Address]
	if !ok {
		return nil, fmt.Errorf("%w: account %s not found", ErrRejected, cred.Address)
	}
	if acct.Secret != cred.Secret {
		return nil, fmt.Errorf("%w: bad secret for %s", ErrRejected, cred.Address)
	}
	return acct, nil
}

// EnsureTrustline marks the account as able to hold the stable asset.
func (f *FileShim) EnsureTrustline(ctx context.Context, cred Credential) (TrustlineResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, err := f.load()
	if err != nil {
		return TrustlineResult{}, err
	}
	acct, err := authorize(state, cred)
	if err != nil {
		return TrustlineResult{}, err
	}
	if acct.Trustline {
		return TrustlineResult{Existed: true}, nil
	}
	acct.Trustline = true
	now := time.Now().UTC()
	hash := txHash("TrustSet", cred.Address, now.String())
	state.Transactions = append(state.Transactions, shimTx{
		Hash: hash, Type: "TrustSet", Account: cred.Address, Result: resultSuccess, At: now,
	})
	if err := f.save(state); err != nil {
		return TrustlineResult{}, err
	}
	f.logger.Info("ledger shim trustline set", "address", cred.Address)
	return TrustlineResult{Code: resultSuccess, TxHash: hash}, nil
}

// Transfer moves amount from cred to destination. Destinations the shim does
// not know are treated as external accounts and only debited on our side.
func (f *FileShim) Transfer(ctx context.Context, cred Credential, destination string, amount decimal.Decimal) (*domain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, err := f.load()
	if err != nil {
		return nil, err
	}
	acct, err := authorize(state, cred)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	hash := txHash("Payment", cred.Address, destination, amount.String(), now.String())
	code := resultSuccess
	switch {
	case !amount.IsPositive():
		code = "temBAD_AMOUNT"
	case !acct.Trustline:
		code = "tecNO_LINE"
	case acct.Balance.LessThan(amount):
		code = "tecPATH_PARTIAL"
	}

	if code == resultSuccess {
		acct.Balance = acct.Balance.Sub(amount)
		if dest, ok := state.Accounts[destination]; ok {
			dest.Balance = dest.Balance.Add(amount)
		}
	}
	tx := shimTx{
		Hash: hash, Type: "Payment", Account: cred.Address, Destination: destination,
		Amount: amount, Result: code, At: now,
	}
	state.Transactions = append(state.Transactions, tx)
	if err := f.save(state); err != nil {
		return nil, err
	}

	raw, _ := json.Marshal(tx)
	receipt := &domain.Receipt{Success: code == resultSuccess, Code: code, TxHash: hash, Amount: amount, Raw: raw}
	if !receipt.Success {
		return receipt, fmt.Errorf("%w: %s", ErrRejected, code)
	}
	f.logger.Info("ledger shim payment", "from", cred.Address, "to", destination, "amount", amount.String())
	return receipt, nil
}

// TransferStatus finds a payment in the transaction log.
func (f *FileShim) TransferStatus(ctx context.Context, hash string) (*domain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, err := f.load()
	if err != nil {
		return nil, err
	}
	for _, tx := range state.Transactions {
		if tx.Hash != hash || tx.Type != "Payment" {
			continue
		}
		raw, _ := json.Marshal(tx)
		receipt := &domain.Receipt{Success: tx.Result == resultSuccess, Code: tx.Result, TxHash: hash, Amount: tx.Amount, Raw: raw}
		if !receipt.Success {
			return receipt, fmt.Errorf("%w: %s", ErrRejected, tx.Result)
		}
		return receipt, nil
	}
	return nil, fmt.Errorf("%w: transaction %s not found", ErrUnconfirmed, hash)
}

// Fund credits address with amount, creating a trustline if needed. It
// stands in for deposits made by members.
func (f *FileShim) Fund(ctx context.Context, address string, amount decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, err := f.load()
	if err != nil {
		return err
	}
	acct, ok := state.Accounts[address]
	if !ok {
		return fmt.Errorf("%w: account %s not found", ErrRejected, address)
	}
	acct.Trustline = true
	acct.Balance = acct.Balance.Add(amount)
	return f.save(state)
}
