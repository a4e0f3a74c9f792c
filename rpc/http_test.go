package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"loanbridge/adapter"
	"loanbridge/feeds"
	"loanbridge/protocol"
	"loanbridge/registry"
)

func wad(n int64) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	return new(big.Int).Mul(big.NewInt(n), scale)
}

func newTestServer(t *testing.T) (*Server, *protocol.SimLender) {
	t.Helper()
	sim := protocol.NewSimLender(wad(200), 0)
	ledger := protocol.NewMemLedger()
	ledger.Credit("WSTETH", "payer", wad(1_000))
	ledger.Credit("USDL", "payer", wad(1_000))
	ledger.Credit("USDL", "lending-module", wad(1_000_000))

	price := feeds.NewPriceFeed("WSTETH", 5*time.Minute, nil)
	require.NoError(t, price.Submit(wad(2_200), time.Now()))
	rates := feeds.NewRateFeed(4, 15*time.Minute, 25, 100, nil)
	require.NoError(t, rates.Submit(0, big.NewInt(500), time.Now()))

	reg, admin, err := registry.New(sim, nil)
	require.NoError(t, err)

	engine, err := adapter.NewEngine(sim, ledger, reg, admin.IssueOperator(), price, rates, adapter.Params{
		CollateralAsset:       "WSTETH",
		DebtAsset:             "USDL",
		CollateralClass:       0,
		MinCollateralRatioBps: 11_000,
		MinRateBps:            50,
		MaxRateBps:            25_000,
		ModuleAccount:         "lending-module",
		CollateralAccount:     "collateral-vault",
		TreasuryAccount:       "treasury",
	}, nil)
	require.NoError(t, err)

	return NewServer(engine, price, rates, reg, sim, nil), sim
}

func call(t *testing.T, s *Server, method string, params interface{}, headers map[string]string) (*httptest.ResponseRecorder, RPCResponse) {
	t.Helper()
	body := map[string]interface{}{
		"jsonrpc": jsonRPCVersion,
		"id":      1,
		"method":  method,
	}
	if params != nil {
		body["params"] = params
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(raw))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	var resp RPCResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func TestRejectsMalformedRequests(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	var resp RPCResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	require.Equal(t, codeParseError, resp.Error.Code)

	raw := []byte(`{"jsonrpc":"1.0","id":1,"method":"lend_getThresholds"}`)
	req = httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(raw))
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	require.Equal(t, codeInvalidRequest, resp.Error.Code)

	_, resp = call(t, s, "lend_unknown", nil, nil)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeMethodNotFound, resp.Error.Code)
}

func TestLendAndViewsRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)

	_, resp := call(t, s, "lend_initialise", map[string]interface{}{
		"position": 1, "collateralAsset": "WSTETH", "debtAsset": "USDL",
	}, nil)
	require.Nil(t, resp.Error)

	_, resp = call(t, s, "lend_lend", map[string]interface{}{
		"position": 1, "amount": wad(1).String(), "payer": "payer",
	}, nil)
	require.Nil(t, resp.Error)

	rec, resp := call(t, s, "lend_getBalances", map[string]interface{}{"position": 1}, nil)
	require.Nil(t, resp.Error)
	var balancesResp struct {
		Result adapter.Balances `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &balancesResp))
	require.Zero(t, balancesResp.Result.Collateral.Cmp(wad(1)))
	require.Zero(t, balancesResp.Result.Debt.Cmp(wad(200)))

	_, resp = call(t, s, "lend_getThresholds", nil, nil)
	require.Nil(t, resp.Error)
	thresholds, ok := resp.Result.(map[string]interface{})
	require.True(t, ok)
	require.EqualValues(t, 11_000, thresholds["minCollateralRatioBps"])
	require.EqualValues(t, 1, thresholds["openRecords"])
}

func TestErrorCodeMapping(t *testing.T) {
	s, sim := newTestServer(t)

	// Missing record.
	_, resp := call(t, s, "lend_borrow", map[string]interface{}{
		"position": 9, "amount": "100", "to": "recipient",
	}, nil)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeNotFound, resp.Error.Code)

	// Malformed amount.
	_, resp = call(t, s, "lend_lend", map[string]interface{}{
		"position": 1, "amount": "-5", "payer": "payer",
	}, nil)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeInvalidParams, resp.Error.Code)

	// Manual rate outside the band.
	_, resp = call(t, s, "lend_setRate", map[string]interface{}{
		"position": 1, "rateBps": "30000",
	}, nil)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeInvalidParams, resp.Error.Code)

	// Protocol halt.
	sim.SetShutdown(true)
	rec, resp := call(t, s, "lend_lend", map[string]interface{}{
		"position": 1, "amount": "100", "payer": "payer",
	}, nil)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeShutdown, resp.Error.Code)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestOperatorTokenRequired(t *testing.T) {
	t.Setenv("LOANBRIDGE_RPC_TOKEN", "operator-secret")
	s, _ := newTestServer(t)

	_, resp := call(t, s, "lend_lend", map[string]interface{}{
		"position": 1, "amount": wad(1).String(), "payer": "payer",
	}, nil)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeUnauthorized, resp.Error.Code)

	_, resp = call(t, s, "lend_lend", map[string]interface{}{
		"position": 1, "amount": wad(1).String(), "payer": "payer",
	}, map[string]string{"Authorization": "Bearer wrong"})
	require.NotNil(t, resp.Error)
	require.Equal(t, codeUnauthorized, resp.Error.Code)

	_, resp = call(t, s, "lend_lend", map[string]interface{}{
		"position": 1, "amount": wad(1).String(), "payer": "payer",
	}, map[string]string{"Authorization": "Bearer operator-secret"})
	require.Nil(t, resp.Error)

	// View methods stay open.
	_, resp = call(t, s, "lend_getThresholds", nil, nil)
	require.Nil(t, resp.Error)
}

func TestFeedSubmitterToken(t *testing.T) {
	t.Setenv("LOANBRIDGE_FEED_TOKEN", "feed-secret")
	s, _ := newTestServer(t)

	params := map[string]interface{}{
		"value": wad(2_300).String(), "timestamp": time.Now().Unix(),
	}
	_, resp := call(t, s, "feed_submitPrice", params, nil)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeUnauthorized, resp.Error.Code)

	_, resp = call(t, s, "feed_submitPrice", params, map[string]string{"Authorization": "Bearer feed-secret"})
	require.Nil(t, resp.Error)

	_, resp = call(t, s, "feed_snapshot", nil, nil)
	require.Nil(t, resp.Error)
}

func TestSubmitRatesBatchValidation(t *testing.T) {
	s, _ := newTestServer(t)

	_, resp := call(t, s, "feed_submitRates", map[string]interface{}{
		"classes": []int{0, 9}, "rates": []string{"500", "600"}, "timestamp": time.Now().Unix(),
	}, nil)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeInvalidParams, resp.Error.Code)

	_, resp = call(t, s, "feed_submitRates", map[string]interface{}{
		"classes": []int{0, 1}, "rates": []string{"-500", "600"}, "timestamp": time.Now().Unix(),
	}, nil)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeInvalidParams, resp.Error.Code)

	_, resp = call(t, s, "feed_submitRates", map[string]interface{}{
		"classes": []int{0, 1}, "rates": []string{"500", "600"}, "timestamp": time.Now().Unix(),
	}, nil)
	require.Nil(t, resp.Error)
}

func TestStartStopsOnContextCancel(t *testing.T) {
	s, _ := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop after cancellation")
	}
}

func TestMutatingMethodsRateLimited(t *testing.T) {
	s, _ := newTestServer(t)

	limited := false
	for i := 0; i < opsBurst+5; i++ {
		rec, resp := call(t, s, "lend_setRate", map[string]interface{}{
			"position": 1, "rateBps": "600",
		}, nil)
		if resp.Error != nil && resp.Error.Code == codeRateLimited {
			require.Equal(t, http.StatusTooManyRequests, rec.Code)
			limited = true
			break
		}
	}
	require.True(t, limited, "burst should exhaust the per-host limiter")
}

func TestHealthEndpoint(t *testing.T) {
	s, sim := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, "ok", status["status"])

	sim.SetShutdown(true)
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, "shutdown", status["status"])
}
