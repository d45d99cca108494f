package ledger

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bcnelson/tontine-manager/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	resultSuccess = "tesSUCCESS"
	resultQueued  = "terQUEUED"
)

// RPCConfig configures an RPCClient.
type RPCConfig struct {
	URL            string
	FaucetURL      string // optional; new wallets are funded through it when set
	Currency       string
	Issuer         string
	TrustLimit     string
	RequestsPerSec float64
	PollInterval   time.Duration
	MaxPolls       int
	HTTPClient     *http.Client
}

// RPCClient talks to a rippled JSON-RPC endpoint. Transactions are signed
// server side via submit with a secret.
type RPCClient struct {
	url        string
	faucetURL  string
	currency   string
	issuer     string
	trustLimit string
	poll       time.Duration
	maxPolls   int
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Ensure RPCClient implements Gateway.
var _ Gateway = (*RPCClient)(nil)

// NewRPCClient creates a new ledger RPC client.
func NewRPCClient(cfg RPCConfig) *RPCClient {
	c := &RPCClient{
		url:        cfg.URL,
		faucetURL:  cfg.FaucetURL,
		currency:   CurrencyCode(cfg.Currency),
		issuer:     cfg.Issuer,
		trustLimit: cfg.TrustLimit,
		poll:       cfg.PollInterval,
		maxPolls:   cfg.MaxPolls,
		httpClient: cfg.HTTPClient,
		limiter:    rate.NewLimiter(rate.Inf, 1),
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.RequestsPerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1)
	}
	if c.trustLimit == "" {
		c.trustLimit = "1000000"
	}
	if c.poll <= 0 {
		c.poll = time.Second
	}
	if c.maxPolls <= 0 {
		c.maxPolls = 20
	}
	return c
}

// CurrencyCode returns the ledger form of a currency code. Three-character
// codes are used as-is; longer ones are hex encoded and zero padded to 160 bits.
func CurrencyCode(code string) string {
	if len(code) == 3 {
		return code
	}
	h := strings.ToUpper(hex.EncodeToString([]byte(code)))
	if len(h) < 40 {
		h += strings.Repeat("0", 40-len(h))
	}
	return h
}

type rpcRequest struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// Call makes an RPC call and returns the raw "result" object.
func (c *RPCClient) Call(ctx context.Context, method string, params map[string]any) (gjson.Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return gjson.Result{}, classify(method, err)
	}
	if params == nil {
		params = map[string]any{}
	}
	body, err := json.Marshal(rpcRequest{Method: method, Params: []any{params}})
	if err != nil {
		return gjson.Result{}, fmt.Errorf("marshal request: %w", err)
	}
	return c.post(ctx, c.url, method, body)
}

func (c *RPCClient) post(ctx context.Context, url, method string, body []byte) (gjson.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%w: create request: %v", domain.ErrGateway, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%w: %s: %w", ErrGatewayUnavailable, method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%w: %s: read response: %w", ErrGatewayUnavailable, method, err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return gjson.Result{}, fmt.Errorf("%w: %s: http status %d", ErrGatewayUnavailable, method, resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return gjson.Result{}, fmt.Errorf("%w: %s: http status %d", domain.ErrGateway, method, resp.StatusCode)
	}
	if !gjson.ValidBytes(respBody) {
		return gjson.Result{}, fmt.Errorf("%w: %s: malformed response", domain.ErrGateway, method)
	}

	result := gjson.GetBytes(respBody, "result")
	if !result.Exists() {
		// Faucet responses are not wrapped in a result envelope.
		return gjson.ParseBytes(respBody), nil
	}
	if result.Get("status").String() == "error" {
		return result, &RPCError{
			Method:  method,
			Code:    result.Get("error").String(),
			Message: result.Get("error_message").String(),
		}
	}
	return result, nil
}

// RPCError is an error status returned by the ledger node.
type RPCError struct {
	Method  string
	Code    string
	Message string
}

func (e *RPCError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s: %s", e.Method, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Method, e.Code)
}

func (e *RPCError) Unwrap() error { return ErrRejected }

// NewWallet proposes a fresh key pair and funds it through the faucet when
// one is configured.
func (c *RPCClient) NewWallet(ctx context.Context) (Credential, error) {
	result, err := c.Call(ctx, "wallet_propose", nil)
	if err != nil {
		return Credential{}, err
	}
	cred := Credential{
		Address: result.Get("account_id").String(),
		Secret:  result.Get("master_seed").String(),
	}
	if cred.Address == "" || cred.Secret == "" {
		return Credential{}, fmt.Errorf("%w: wallet_propose: missing account_id or master_seed", domain.ErrGateway)
	}

	if c.faucetURL != "" {
		if err := c.limiter.Wait(ctx); err != nil {
			return Credential{}, classify("faucet", err)
		}
		body, _ := json.Marshal(map[string]string{"destination": cred.Address})
		if _, err := c.post(ctx, c.faucetURL, "faucet", body); err != nil {
			return Credential{}, err
		}
	}
	return cred, nil
}

// trustLine returns the line between address and the issuer for the
// configured currency, if any.
func (c *RPCClient) trustLine(ctx context.Context, address string) (gjson.Result, bool, error) {
	result, err := c.Call(ctx, "account_lines", map[string]any{
		"account":      address,
		"peer":         c.issuer,
		"ledger_index": "validated",
	})
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == "actNotFound" {
			return gjson.Result{}, false, nil
		}
		return gjson.Result{}, false, err
	}
	for _, line := range result.Get("lines").Array() {
		if line.Get("account").String() == c.issuer && line.Get("currency").String() == c.currency {
			return line, true, nil
		}
	}
	return gjson.Result{}, false, nil
}

// BalanceOf returns the stable-asset balance held by address. An account
// without a trustline, or not yet on the ledger, holds zero.
func (c *RPCClient) BalanceOf(ctx context.Context, address string) (decimal.Decimal, error) {
	line, ok, err := c.trustLine(ctx, address)
	if err != nil {
		return decimal.Zero, err
	}
	if !ok {
		return decimal.Zero, nil
	}
	balance, err := decimal.NewFromString(line.Get("balance").String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: account_lines: bad balance %q", domain.ErrGateway, line.Get("balance").String())
	}
	return balance, nil
}

// EnsureTrustline creates the trustline to the issuer unless it exists.
func (c *RPCClient) EnsureTrustline(ctx context.Context, cred Credential) (TrustlineResult, error) {
	_, ok, err := c.trustLine(ctx, cred.Address)
	if err != nil {
		return TrustlineResult{}, err
	}
	if ok {
		return TrustlineResult{Existed: true}, nil
	}

	tx := map[string]any{
		"TransactionType": "TrustSet",
		"Account":         cred.Address,
		"LimitAmount": map[string]any{
			"currency": c.currency,
			"issuer":   c.issuer,
			"value":    c.trustLimit,
		},
	}
	code, hash, _, err := c.submit(ctx, cred, tx)
	if err != nil {
		return TrustlineResult{Code: code, TxHash: hash}, err
	}
	return TrustlineResult{Code: code, TxHash: hash}, nil
}

// Transfer pays amount of the stable asset from cred to destination. A
// ledger-level failure returns the receipt together with an ErrRejected error.
func (c *RPCClient) Transfer(ctx context.Context, cred Credential, destination string, amount decimal.Decimal) (*domain.Receipt, error) {
	tx := map[string]any{
		"TransactionType": "Payment",
		"Account":         cred.Address,
		"Destination":     destination,
		"Amount": map[string]any{
			"currency": c.currency,
			"issuer":   c.issuer,
			"value":    amount.String(),
		},
	}
	code, hash, raw, err := c.submit(ctx, cred, tx)
	receipt := &domain.Receipt{
		Success: err == nil && code == resultSuccess,
		Code:    code,
		TxHash:  hash,
		Amount:  amount,
		Raw:     raw,
	}
	if err != nil && code == "" && hash == "" {
		return nil, err
	}
	return receipt, err
}

// TransferStatus queries tx for a payment submitted earlier.
func (c *RPCClient) TransferStatus(ctx context.Context, hash string) (*domain.Receipt, error) {
	result, err := c.Call(ctx, "tx", map[string]any{"transaction": hash})
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == "txnNotFound" {
			return nil, fmt.Errorf("%w: transaction %s not found", ErrUnconfirmed, hash)
		}
		return nil, err
	}
	if !result.Get("validated").Bool() {
		return nil, fmt.Errorf("%w: transaction %s not validated", ErrUnconfirmed, hash)
	}

	code := result.Get("meta.TransactionResult").String()
	amount, _ := decimal.NewFromString(result.Get("meta.delivered_amount.value").String())
	if amount.IsZero() {
		amount, _ = decimal.NewFromString(result.Get("Amount.value").String())
	}
	receipt := &domain.Receipt{
		Success: code == resultSuccess,
		Code:    code,
		TxHash:  hash,
		Amount:  amount,
		Raw:     json.RawMessage(result.Raw),
	}
	if !receipt.Success {
		return receipt, fmt.Errorf("%w: %s", ErrRejected, code)
	}
	return receipt, nil
}

// submit signs and submits tx, then waits for it to be validated. It returns
// the final engine result, the transaction hash and the raw final result.
func (c *RPCClient) submit(ctx context.Context, cred Credential, tx map[string]any) (string, string, json.RawMessage, error) {
	result, err := c.Call(ctx, "submit", map[string]any{
		"tx_json": tx,
		"secret":  cred.Secret,
	})
	if err != nil {
		return "", "", nil, err
	}
	code := result.Get("engine_result").String()
	hash := result.Get("tx_json.hash").String()
	if code != resultSuccess && code != resultQueued {
		return code, hash, json.RawMessage(result.Raw), fmt.Errorf("%w: %s: %s",
			ErrRejected, code, result.Get("engine_result_message").String())
	}
	if hash == "" {
		return code, hash, json.RawMessage(result.Raw), nil
	}
	return c.waitValidated(ctx, hash)
}

// waitValidated polls tx until the transaction is in a validated ledger.
func (c *RPCClient) waitValidated(ctx context.Context, hash string) (string, string, json.RawMessage, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for range c.maxPolls {
		result, err := c.Call(ctx, "tx", map[string]any{"transaction": hash})
		if err != nil {
			var rpcErr *RPCError
			if !errors.As(err, &rpcErr) || rpcErr.Code != "txnNotFound" {
				return "", hash, nil, err
			}
		} else if result.Get("validated").Bool() {
			code := result.Get("meta.TransactionResult").String()
			raw := json.RawMessage(result.Raw)
			if code != resultSuccess {
				return code, hash, raw, fmt.Errorf("%w: %s", ErrRejected, code)
			}
			return code, hash, raw, nil
		}

		select {
		case <-ctx.Done():
			return "", hash, nil, classify("tx", ctx.Err())
		case <-ticker.C:
		}
	}
	return "", hash, nil, fmt.Errorf("%w: transaction %s not validated after %d polls", ErrGatewayUnavailable, hash, c.maxPolls)
}
