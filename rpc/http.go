package rpc

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"creditd/ledger"
	"creditd/observability/metrics"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020
)

// Server exposes the ledger over JSON-RPC 2.0. Mutating administrative
// methods require the bearer token; user-facing methods are open, matching a
// deployment where a gateway in front performs caller authentication.
type Server struct {
	engine    *ledger.Engine
	oracle    *ledger.ManualOracle
	log       *slog.Logger
	metrics   *metrics.LedgerMetrics
	authToken string
	limiter   *rate.Limiter
	now       func() uint64
}

// NewServer wires a server over the engine and its manual price oracle. The
// admin token is read from CREDITD_RPC_TOKEN; when empty, admin methods are
// rejected outright.
func NewServer(engine *ledger.Engine, oracle *ledger.ManualOracle, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		engine:    engine,
		oracle:    oracle,
		log:       log,
		metrics:   metrics.Ledger(),
		authToken: strings.TrimSpace(os.Getenv("CREDITD_RPC_TOKEN")),
		limiter:   rate.NewLimiter(rate.Limit(100), 200),
		now:       func() uint64 { return uint64(time.Now().Unix()) },
	}
}

// SetAuthToken overrides the environment-sourced admin token.
func (s *Server) SetAuthToken(token string) { s.authToken = strings.TrimSpace(token) }

// SetRateLimit adjusts the request throttle.
func (s *Server) SetRateLimit(perSecond float64, burst int) {
	s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
}

// SetClock replaces the timestamp source. Tests pin it for deterministic
// accrual.
func (s *Server) SetClock(now func() uint64) {
	if now != nil {
		s.now = now
	}
}

// Handler builds the HTTP routing tree: the JSON-RPC endpoint at the root,
// Prometheus metrics, and a liveness probe.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Method(http.MethodPost, "/", otelhttp.NewHandler(http.HandlerFunc(s.handle), "creditd.rpc"))
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// Start serves the handler until the listener fails.
func (s *Server) Start(addr string) error {
	s.log.Info("starting JSON-RPC server", "addr", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj})
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) error {
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
	return nil
}

// paramError reports a malformed request and hands the failure back to the
// dispatcher so the metrics outcome label records it.
func paramError(w http.ResponseWriter, id interface{}, message string, data interface{}) error {
	writeError(w, http.StatusBadRequest, id, codeInvalidParams, message, data)
	return errors.New(message)
}

// Handlers return the error they already reported to the client; the
// dispatcher only feeds it to the metrics outcome label.
type handlerFunc func(w http.ResponseWriter, req *RPCRequest) error

func (s *Server) routes() (map[string]handlerFunc, map[string]bool) {
	handlers := map[string]handlerFunc{
		"credit_createMarket": s.handleCreateMarket,
		"credit_getMarket":    s.handleGetMarket,
		"credit_listMarkets":  s.handleListMarkets,
		"credit_supply":       s.handleSupply,
		"credit_withdraw":     s.handleWithdraw,
		"credit_borrow":       s.handleBorrow,
		"credit_repay":        s.handleRepay,
		"credit_liquidate":    s.handleLiquidate,
		"credit_healthFactor": s.handleHealthFactor,
		"credit_accrue":       s.handleAccrue,
		"credit_balances":     s.handleBalances,
		"credit_positions":    s.handlePositions,
		"credit_setPrice":     s.handleSetPrice,
		"credit_withdrawFees": s.handleWithdrawFees,
	}
	adminOnly := map[string]bool{
		"credit_createMarket": true,
		"credit_setPrice":     true,
		"credit_withdrawFees": true,
	}
	return handlers, adminOnly
}

func (s *Server) authorized(r *http.Request) bool {
	if s.authToken == "" {
		return false
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	supplied := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(s.authToken)) == 1
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, nil, codeRateLimited, "rate limit exceeded", nil)
		return
	}

	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() { _ = reader.Close() }()
	body, err := io.ReadAll(reader)
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "failed to read request body", err.Error())
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if strings.TrimSpace(req.Method) == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	handlers, adminOnly := s.routes()
	handler, ok := handlers[req.Method]
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
		return
	}
	if adminOnly[req.Method] && !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, req.ID, codeUnauthorized, "unauthorized", nil)
		return
	}

	start := time.Now()
	s.metrics.Observe(req.Method, start, handler(w, req))
}

// writeLedgerError maps ledger sentinels onto HTTP statuses and JSON-RPC
// codes and returns the error for the caller to propagate. Anything
// unrecognised is treated as an internal failure.
func (s *Server) writeLedgerError(w http.ResponseWriter, id interface{}, err error) error {
	status := http.StatusInternalServerError
	code := codeServerError
	switch {
	case errors.Is(err, ledger.ErrZeroAmount),
		errors.Is(err, ledger.ErrAmountBelowMinimum),
		errors.Is(err, ledger.ErrInvalidParameters):
		status = http.StatusBadRequest
		code = codeInvalidParams
	case errors.Is(err, ledger.ErrMarketNotFound),
		errors.Is(err, ledger.ErrNoDebt):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrMarketExists),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrInsufficientLiquidity),
		errors.Is(err, ledger.ErrHealthFactorTooLow),
		errors.Is(err, ledger.ErrPositionHealthy),
		errors.Is(err, ledger.ErrStaleOracle),
		errors.Is(err, ledger.ErrActionPaused),
		errors.Is(err, ledger.ErrArithmeticOverflow),
		errors.Is(err, ledger.ErrArithmeticUnderflow):
		status = http.StatusConflict
	default:
		s.log.Error("rpc handler failed", "err", err)
	}
	writeError(w, status, id, code, err.Error(), nil)
	return err
}
