package rpc

import (
	"math/big"
	"net/http"
	"time"

	"loanbridge/observability/metrics"
)

type initialiseParams struct {
	Position        uint64 `json:"position"`
	CollateralAsset string `json:"collateralAsset"`
	DebtAsset       string `json:"debtAsset"`
}

type amountParams struct {
	Position uint64 `json:"position"`
	Amount   string `json:"amount"`
	Payer    string `json:"payer,omitempty"`
	To       string `json:"to,omitempty"`
}

type rateParams struct {
	Position uint64 `json:"position"`
	RateBps  string `json:"rateBps"`
	Amount   string `json:"amount,omitempty"`
	Payer    string `json:"payer,omitempty"`
}

type positionParams struct {
	Position uint64 `json:"position"`
}

type repayResult struct {
	Repaid string `json:"repaid"`
}

type thresholdsResult struct {
	MinCollateralRatioBps uint64 `json:"minCollateralRatioBps"`
	OpenRecords           int    `json:"openRecords"`
	HighestKey            uint64 `json:"highestKey"`
}

func parseAmount(raw string) (*big.Int, bool) {
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok || value.Sign() <= 0 {
		return nil, false
	}
	return value, true
}

func (s *Server) handleInitialise(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if !s.requireOperator(w, r, req) {
		return
	}
	var params initialiseParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	err := s.engine.Initialise(params.Position, params.CollateralAsset, params.DebtAsset)
	metrics.Lending().ObserveOperation("initialise", err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleLend(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if !s.requireOperator(w, r, req) {
		return
	}
	var params amountParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	amount, ok := parseAmount(params.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "amount must be a positive integer", nil)
		return
	}
	err := s.engine.Lend(params.Position, amount, params.Payer)
	metrics.Lending().ObserveOperation("lend", err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	metrics.Lending().SetOpenRecords(s.reg.Count())
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if !s.requireOperator(w, r, req) {
		return
	}
	var params amountParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	amount, ok := parseAmount(params.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "amount must be a positive integer", nil)
		return
	}
	err := s.engine.Borrow(params.Position, amount, params.To)
	metrics.Lending().ObserveOperation("borrow", err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if !s.requireOperator(w, r, req) {
		return
	}
	var params amountParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	amount, ok := parseAmount(params.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "amount must be a positive integer", nil)
		return
	}
	repaid, err := s.engine.Repay(params.Position, amount, params.Payer)
	metrics.Lending().ObserveOperation("repay", err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, repayResult{Repaid: repaid.String()})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if !s.requireOperator(w, r, req) {
		return
	}
	var params amountParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	amount, ok := parseAmount(params.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "amount must be a positive integer", nil)
		return
	}
	err := s.engine.Withdraw(params.Position, amount, params.To)
	metrics.Lending().ObserveOperation("withdraw", err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleSetRate(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if !s.requireOperator(w, r, req) {
		return
	}
	var params rateParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	rateBps, ok := parseAmount(params.RateBps)
	if !ok {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "rateBps must be a positive integer", nil)
		return
	}
	err := s.engine.SetPositionInterestRate(params.Position, rateBps)
	metrics.Lending().ObserveOperation("setRate", err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleSetRateAndLend(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if !s.requireOperator(w, r, req) {
		return
	}
	var params rateParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	rateBps, ok := parseAmount(params.RateBps)
	if !ok {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "rateBps must be a positive integer", nil)
		return
	}
	amount, ok := parseAmount(params.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "amount must be a positive integer", nil)
		return
	}
	err := s.engine.SetRateAndLend(params.Position, rateBps, amount, params.Payer)
	metrics.Lending().ObserveOperation("setRateAndLend", err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	metrics.Lending().SetOpenRecords(s.reg.Count())
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleGetBalances(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params positionParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	writeResult(w, req.ID, s.engine.PositionBalances(params.Position))
}

func (s *Server) handleGetHeadroom(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params positionParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	writeResult(w, req.ID, s.engine.PositionHeadroom(params.Position))
}

func (s *Server) handleGetRate(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params positionParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	rate, err := s.engine.CurrentRate(params.Position)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"rateBps": rate.String()})
}

func (s *Server) handleGetThresholds(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	writeResult(w, req.ID, thresholdsResult{
		MinCollateralRatioBps: s.engine.SolvencyThresholdBps(),
		OpenRecords:           s.reg.Count(),
		HighestKey:            s.reg.HighestKey(),
	})
}

func (s *Server) handleExport(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params positionParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	writeResult(w, req.ID, s.engine.Export(params.Position))
}

type submitPriceParams struct {
	Value     string `json:"value"`
	Timestamp int64  `json:"timestamp"`
}

type submitRatesParams struct {
	Classes   []int    `json:"classes"`
	Rates     []string `json:"rates"`
	Timestamp int64    `json:"timestamp"`
}

func (s *Server) handleSubmitPrice(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if !s.requireSubmitter(w, r, req) {
		return
	}
	var params submitPriceParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	value, ok := parseAmount(params.Value)
	if !ok {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "value must be a positive integer", nil)
		return
	}
	if err := s.price.Submit(value, time.Unix(params.Timestamp, 0)); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleSubmitRates(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if !s.requireSubmitter(w, r, req) {
		return
	}
	var params submitRatesParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	rates := make([]*big.Int, len(params.Rates))
	for i, raw := range params.Rates {
		value, ok := parseAmount(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "rates must be positive integers", nil)
			return
		}
		rates[i] = value
	}
	if err := s.rates.SubmitMany(params.Classes, rates, time.Unix(params.Timestamp, 0)); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

type feedSnapshotResult struct {
	Price interface{} `json:"price"`
	Rates interface{} `json:"rates"`
}

func (s *Server) handleFeedSnapshot(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	writeResult(w, req.ID, feedSnapshotResult{
		Price: s.price.Snapshot(),
		Rates: s.rates.Snapshot(),
	})
}
