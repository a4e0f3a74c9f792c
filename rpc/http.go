package rpc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"loanbridge/adapter"
	"loanbridge/feeds"
	"loanbridge/observability/metrics"
	"loanbridge/protocol"
	"loanbridge/registry"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
	opsPerSecond    = 10
	opsBurst        = 20
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeNotFound       = -32004
	codeInvalidState   = -32005
	codeRateLimited    = -32020
	codeStaleData      = -32021
	codeShutdown       = -32022
	codeInvariant      = -32023
)

// Server exposes the lending adapter and feed submission over JSON-RPC.
// Operation calls require the platform bearer token; feed submissions require
// the submitter token. Read-only view methods are unrestricted.
type Server struct {
	engine *adapter.Engine
	price  *feeds.PriceFeed
	rates  *feeds.RateFeed
	reg    *registry.Registry
	lender protocol.Lender
	logger *slog.Logger

	opToken   string
	feedToken string

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewServer wires the rpc surface. Tokens come from LOANBRIDGE_RPC_TOKEN and
// LOANBRIDGE_FEED_TOKEN; an empty token disables the corresponding check,
// which is only acceptable against the simulated protocol.
func NewServer(engine *adapter.Engine, price *feeds.PriceFeed, rates *feeds.RateFeed, reg *registry.Registry, lender protocol.Lender, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:    engine,
		price:     price,
		rates:     rates,
		reg:       reg,
		lender:    lender,
		logger:    logger,
		opToken:   strings.TrimSpace(os.Getenv("LOANBRIDGE_RPC_TOKEN")),
		feedToken: strings.TrimSpace(os.Getenv("LOANBRIDGE_FEED_TOKEN")),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Router mounts the JSON-RPC endpoint together with metrics and health.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Post("/", s.handle)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", s.handleHealth)
	return r
}

// Start serves the router on the given address until the context is
// cancelled, then drains in-flight requests before returning.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("starting JSON-RPC server", "addr", addr)
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down JSON-RPC server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type RPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      int             `json:"id"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, 0, codeParseError, "unable to read request", nil)
		return
	}
	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, 0, codeParseError, "invalid JSON", err.Error())
		return
	}
	if req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported JSON-RPC version", nil)
		return
	}

	handler, ok := s.methods()[req.Method]
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "unknown method", req.Method)
		return
	}
	if mutating(req.Method) && !s.allow(r) {
		writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "rate limit exceeded", nil)
		return
	}
	handler(w, r, &req)
}

type methodHandler func(http.ResponseWriter, *http.Request, *RPCRequest)

func (s *Server) methods() map[string]methodHandler {
	return map[string]methodHandler{
		"lend_initialise":     s.handleInitialise,
		"lend_lend":           s.handleLend,
		"lend_borrow":         s.handleBorrow,
		"lend_repay":          s.handleRepay,
		"lend_withdraw":       s.handleWithdraw,
		"lend_setRate":        s.handleSetRate,
		"lend_setRateAndLend": s.handleSetRateAndLend,
		"lend_getBalances":    s.handleGetBalances,
		"lend_getHeadroom":    s.handleGetHeadroom,
		"lend_getRate":        s.handleGetRate,
		"lend_getThresholds":  s.handleGetThresholds,
		"lend_export":         s.handleExport,
		"feed_submitPrice":    s.handleSubmitPrice,
		"feed_submitRates":    s.handleSubmitRates,
		"feed_snapshot":       s.handleFeedSnapshot,
	}
}

func mutating(method string) bool {
	switch method {
	case "lend_lend", "lend_borrow", "lend_repay", "lend_withdraw",
		"lend_setRate", "lend_setRateAndLend", "feed_submitPrice", "feed_submitRates":
		return true
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	down, err := s.lender.IsShutdown()
	status := map[string]interface{}{
		"status":      "ok",
		"openRecords": s.reg.Count(),
	}
	if err != nil {
		status["status"] = "degraded"
	} else if down {
		status["status"] = "shutdown"
	}
	metrics.Lending().SetOpenRecords(s.reg.Count())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

// requireToken checks a bearer token with a constant-time comparison.
func requireToken(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	supplied := strings.TrimSpace(header[len(prefix):])
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(token)) == 1
}

func (s *Server) requireOperator(w http.ResponseWriter, r *http.Request, req *RPCRequest) bool {
	if requireToken(r, s.opToken) {
		return true
	}
	writeError(w, http.StatusUnauthorized, req.ID, codeUnauthorized, "operator token required", nil)
	return false
}

func (s *Server) requireSubmitter(w http.ResponseWriter, r *http.Request, req *RPCRequest) bool {
	if requireToken(r, s.feedToken) {
		return true
	}
	writeError(w, http.StatusUnauthorized, req.ID, codeUnauthorized, "feed submitter token required", nil)
	return false
}

func (s *Server) allow(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	s.mu.Lock()
	limiter, ok := s.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(opsPerSecond), opsBurst)
		s.limiters[host] = limiter
	}
	s.mu.Unlock()
	return limiter.Allow()
}

func decodeParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) == 0 {
		return errors.New("missing params")
	}
	return json.Unmarshal(req.Params, out)
}

func writeResult(w http.ResponseWriter, id int, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

func writeError(w http.ResponseWriter, status, id, code int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(RPCResponse{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message, Data: data},
	})
}

// writeEngineError maps the adapter error taxonomy onto rpc codes.
func writeEngineError(w http.ResponseWriter, id int, err error) {
	switch {
	case errors.Is(err, adapter.ErrShutdown):
		writeError(w, http.StatusServiceUnavailable, id, codeShutdown, err.Error(), nil)
	case errors.Is(err, adapter.ErrStalePrice), errors.Is(err, feeds.ErrStale):
		writeError(w, http.StatusConflict, id, codeStaleData, err.Error(), nil)
	case errors.Is(err, adapter.ErrBelowMinimumRatio), errors.Is(err, adapter.ErrKeyMismatch):
		writeError(w, http.StatusConflict, id, codeInvariant, err.Error(), nil)
	case errors.Is(err, adapter.ErrNoRecord), errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, id, codeNotFound, err.Error(), nil)
	case errors.Is(err, adapter.ErrRecordInactive), errors.Is(err, adapter.ErrAlreadyOpen), errors.Is(err, registry.ErrAlreadyMapped):
		writeError(w, http.StatusConflict, id, codeInvalidState, err.Error(), nil)
	case errors.Is(err, adapter.ErrAssetMismatch), errors.Is(err, adapter.ErrRateOutOfBounds),
		errors.Is(err, feeds.ErrInvalidValue), errors.Is(err, feeds.ErrBatchShape), errors.Is(err, feeds.ErrClassRange):
		writeError(w, http.StatusBadRequest, id, codeInvalidParams, err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, id, codeServerError, err.Error(), nil)
	}
}
