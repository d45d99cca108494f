package ledger_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bcnelson/tontine-manager/internal/domain"
	"github.com/bcnelson/tontine-manager/internal/ledger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const (
	testIssuer = "rQhWct2fv4Vc4KRjRgMrxa8xPN9Zx9iLKV"
	rlusdHex   = "524C555344000000000000000000000000000000"
)

// fakeNode answers rippled JSON-RPC methods from a per-method table and
// records every request it sees.
type fakeNode struct {
	mu       sync.Mutex
	handlers map[string]func(params gjson.Result) any
	calls    []string
	params   map[string]gjson.Result
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		handlers: map[string]func(gjson.Result) any{},
		params:   map[string]gjson.Result{},
	}
}

func (f *fakeNode) on(method string, h func(params gjson.Result) any) {
	f.handlers[method] = h
}

func (f *fakeNode) called(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == method {
			n++
		}
	}
	return n
}

func (f *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var params gjson.Result
	if len(body.Params) > 0 {
		params = gjson.ParseBytes(body.Params[0])
	}

	f.mu.Lock()
	f.calls = append(f.calls, body.Method)
	f.params[body.Method] = params
	h, ok := f.handlers[body.Method]
	f.mu.Unlock()

	if !ok {
		w.Write(makeRPCResponse(map[string]any{"status": "error", "error": "unknownCmd"}))
		return
	}
	w.Write(makeRPCResponse(h(params)))
}

func makeRPCResponse(result any) []byte {
	resultJSON, _ := json.Marshal(result)
	data, _ := json.Marshal(map[string]any{"result": json.RawMessage(resultJSON)})
	return data
}

func newTestClient(t *testing.T, node http.Handler) *ledger.RPCClient {
	t.Helper()
	server := httptest.NewServer(node)
	t.Cleanup(server.Close)
	return ledger.NewRPCClient(ledger.RPCConfig{
		URL:          server.URL,
		Currency:     "RLUSD",
		Issuer:       testIssuer,
		PollInterval: time.Millisecond,
		MaxPolls:     5,
	})
}

func line(currency, balance string) map[string]any {
	return map[string]any{"account": testIssuer, "currency": currency, "balance": balance, "limit": "1000000"}
}

func TestCurrencyCode(t *testing.T) {
	assert.Equal(t, "USD", ledger.CurrencyCode("USD"))
	assert.Equal(t, rlusdHex, ledger.CurrencyCode("RLUSD"))
}

func TestBalanceOf(t *testing.T) {
	node := newFakeNode()
	node.on("account_lines", func(params gjson.Result) any {
		return map[string]any{
			"status": "success",
			"lines":  []any{line("USD", "7"), line(rlusdHex, "50.5")},
		}
	})
	client := newTestClient(t, node)

	balance, err := client.BalanceOf(context.Background(), "rWallet")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("50.5")), "balance = %s", balance)
	assert.Equal(t, "rWallet", node.params["account_lines"].Get("account").String())
	assert.Equal(t, testIssuer, node.params["account_lines"].Get("peer").String())
}

func TestBalanceOfUnknownAccountIsZero(t *testing.T) {
	node := newFakeNode()
	node.on("account_lines", func(gjson.Result) any {
		return map[string]any{"status": "error", "error": "actNotFound", "error_message": "Account not found."}
	})
	client := newTestClient(t, node)

	balance, err := client.BalanceOf(context.Background(), "rNobody")
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
}

func TestEnsureTrustlineExisting(t *testing.T) {
	node := newFakeNode()
	node.on("account_lines", func(gjson.Result) any {
		return map[string]any{"status": "success", "lines": []any{line(rlusdHex, "0")}}
	})
	client := newTestClient(t, node)

	result, err := client.EnsureTrustline(context.Background(), ledger.Credential{Address: "rWallet", Secret: "sSecret"})
	require.NoError(t, err)
	assert.True(t, result.Existed)
	assert.Zero(t, node.called("submit"))
}

func TestEnsureTrustlineCreates(t *testing.T) {
	node := newFakeNode()
	node.on("account_lines", func(gjson.Result) any {
		return map[string]any{"status": "success", "lines": []any{}}
	})
	node.on("submit", func(gjson.Result) any {
		return map[string]any{"status": "success", "engine_result": "tesSUCCESS", "tx_json": map[string]any{"hash": "TRUSTHASH"}}
	})
	node.on("tx", func(gjson.Result) any {
		return map[string]any{"status": "success", "validated": true, "meta": map[string]any{"TransactionResult": "tesSUCCESS"}}
	})
	client := newTestClient(t, node)

	result, err := client.EnsureTrustline(context.Background(), ledger.Credential{Address: "rWallet", Secret: "sSecret"})
	require.NoError(t, err)
	assert.False(t, result.Existed)
	assert.Equal(t, "tesSUCCESS", result.Code)
	assert.Equal(t, "TRUSTHASH", result.TxHash)

	submitted := node.params["submit"]
	assert.Equal(t, "sSecret", submitted.Get("secret").String())
	assert.Equal(t, "TrustSet", submitted.Get("tx_json.TransactionType").String())
	assert.Equal(t, rlusdHex, submitted.Get("tx_json.LimitAmount.currency").String())
	assert.Equal(t, "1000000", submitted.Get("tx_json.LimitAmount.value").String())
}

func TestTransferSuccess(t *testing.T) {
	node := newFakeNode()
	polls := 0
	node.on("submit", func(gjson.Result) any {
		return map[string]any{"status": "success", "engine_result": "tesSUCCESS", "tx_json": map[string]any{"hash": "PAYHASH"}}
	})
	node.on("tx", func(gjson.Result) any {
		polls++
		if polls < 2 {
			return map[string]any{"status": "success", "validated": false}
		}
		return map[string]any{"status": "success", "validated": true, "meta": map[string]any{"TransactionResult": "tesSUCCESS"}}
	})
	client := newTestClient(t, node)

	amount := decimal.RequireFromString("50")
	receipt, err := client.Transfer(context.Background(), ledger.Credential{Address: "rWallet", Secret: "sSecret"}, "rDest", amount)
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.True(t, receipt.Success)
	assert.Equal(t, "tesSUCCESS", receipt.Code)
	assert.Equal(t, "PAYHASH", receipt.TxHash)
	assert.True(t, receipt.Amount.Equal(amount))
	assert.Equal(t, 2, polls)

	submitted := node.params["submit"]
	assert.Equal(t, "Payment", submitted.Get("tx_json.TransactionType").String())
	assert.Equal(t, "rDest", submitted.Get("tx_json.Destination").String())
	assert.Equal(t, "50", submitted.Get("tx_json.Amount.value").String())
}

func TestTransferLedgerFailure(t *testing.T) {
	node := newFakeNode()
	node.on("submit", func(gjson.Result) any {
		return map[string]any{"status": "success", "engine_result": "tesSUCCESS", "tx_json": map[string]any{"hash": "PAYHASH"}}
	})
	node.on("tx", func(gjson.Result) any {
		return map[string]any{"status": "success", "validated": true, "meta": map[string]any{"TransactionResult": "tecPATH_DRY"}}
	})
	client := newTestClient(t, node)

	receipt, err := client.Transfer(context.Background(), ledger.Credential{Address: "rWallet", Secret: "s"}, "rDest", decimal.NewFromInt(5))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrRejected))
	assert.True(t, errors.Is(err, domain.ErrGateway))
	assert.Equal(t, domain.ErrCodeGatewayError, domain.KindOf(err))
	require.NotNil(t, receipt)
	assert.False(t, receipt.Success)
	assert.Equal(t, "tecPATH_DRY", receipt.Code)
}

func TestTransferPreliminaryRejection(t *testing.T) {
	node := newFakeNode()
	node.on("submit", func(gjson.Result) any {
		return map[string]any{"status": "success", "engine_result": "temBAD_AMOUNT", "engine_result_message": "Can only send positive amounts."}
	})
	client := newTestClient(t, node)

	receipt, err := client.Transfer(context.Background(), ledger.Credential{Address: "rWallet", Secret: "s"}, "rDest", decimal.NewFromInt(-1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrRejected))
	require.NotNil(t, receipt)
	assert.Equal(t, "temBAD_AMOUNT", receipt.Code)
	assert.Zero(t, node.called("tx"))
}

func TestServerErrorIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)
	client := ledger.NewRPCClient(ledger.RPCConfig{URL: server.URL, Currency: "RLUSD", Issuer: testIssuer})

	_, err := client.BalanceOf(context.Background(), "rWallet")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrGatewayUnavailable))
	assert.Equal(t, domain.ErrCodeGatewayUnavailable, domain.KindOf(err))
}

func TestNewWalletUsesFaucet(t *testing.T) {
	node := newFakeNode()
	node.on("wallet_propose", func(gjson.Result) any {
		return map[string]any{"status": "success", "account_id": "rNewWallet", "master_seed": "sNewSeed"}
	})
	var funded string
	faucet := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		funded = body["destination"]
		w.Write([]byte(`{"account":{"address":"` + funded + `"},"amount":10}`))
	}))
	t.Cleanup(faucet.Close)
	server := httptest.NewServer(node)
	t.Cleanup(server.Close)

	client := ledger.NewRPCClient(ledger.RPCConfig{URL: server.URL, FaucetURL: faucet.URL, Currency: "RLUSD", Issuer: testIssuer})
	cred, err := client.NewWallet(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rNewWallet", cred.Address)
	assert.Equal(t, "sNewSeed", cred.Secret)
	assert.Equal(t, "rNewWallet", funded)
	assert.False(t, strings.Contains(cred.String(), "sNewSeed"))
}

func TestTransferPollTimeoutIsAmbiguous(t *testing.T) {
	node := newFakeNode()
	node.on("submit", func(gjson.Result) any {
		return map[string]any{"status": "success", "engine_result": "terQUEUED", "tx_json": map[string]any{"hash": "PAYHASH"}}
	})
	node.on("tx", func(gjson.Result) any {
		return map[string]any{"status": "success", "validated": false}
	})
	client := newTestClient(t, node)

	receipt, err := client.Transfer(context.Background(), ledger.Credential{Address: "rWallet", Secret: "s"}, "rDest", decimal.NewFromInt(5))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrGatewayUnavailable))
	require.NotNil(t, receipt)
	assert.Equal(t, "PAYHASH", receipt.TxHash)
	assert.True(t, ledger.Ambiguous(receipt, err))
}

func TestTransferStatus(t *testing.T) {
	node := newFakeNode()
	node.on("tx", func(params gjson.Result) any {
		switch params.Get("transaction").String() {
		case "DONE":
			return map[string]any{
				"status":    "success",
				"validated": true,
				"Amount":    map[string]any{"currency": rlusdHex, "issuer": testIssuer, "value": "40"},
				"meta": map[string]any{
					"TransactionResult": "tesSUCCESS",
					"delivered_amount":  map[string]any{"currency": rlusdHex, "issuer": testIssuer, "value": "40"},
				},
			}
		case "DRY":
			return map[string]any{"status": "success", "validated": true, "meta": map[string]any{"TransactionResult": "tecPATH_DRY"}}
		case "OPEN":
			return map[string]any{"status": "success", "validated": false}
		default:
			return map[string]any{"status": "error", "error": "txnNotFound", "error_message": "Transaction not found."}
		}
	})
	client := newTestClient(t, node)
	ctx := context.Background()

	receipt, err := client.TransferStatus(ctx, "DONE")
	require.NoError(t, err)
	assert.True(t, receipt.Success)
	assert.Equal(t, "DONE", receipt.TxHash)
	assert.True(t, receipt.Amount.Equal(decimal.NewFromInt(40)), "amount = %s", receipt.Amount)

	receipt, err = client.TransferStatus(ctx, "DRY")
	assert.True(t, errors.Is(err, ledger.ErrRejected))
	require.NotNil(t, receipt)
	assert.Equal(t, "tecPATH_DRY", receipt.Code)

	for _, hash := range []string{"OPEN", "LOST"} {
		receipt, err = client.TransferStatus(ctx, hash)
		assert.Nil(t, receipt)
		assert.True(t, errors.Is(err, ledger.ErrUnconfirmed), "%s: %v", hash, err)
		assert.Equal(t, domain.ErrCodeGatewayUnavailable, domain.KindOf(err))
	}
}
