// Package trade provides the HTTP handlers for opening accounts, executing
// trades, querying portfolios and leaderboards, and administering
// namespaces. It is a thin transport over the ledger and valuation
// packages; no business rule lives here.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-ledger/internal/ledger"
	"github.com/atmx/portfolio-ledger/internal/model"
	"github.com/atmx/portfolio-ledger/internal/store"
	"github.com/atmx/portfolio-ledger/internal/valuation"
)

// Service serves the ledger over HTTP.
type Service struct {
	exec   *ledger.Executor
	engine *valuation.Engine
	store  store.Store
	wsHub  *WSHub // optional WebSocket hub for trade broadcasts
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(exec *ledger.Executor, engine *valuation.Engine, st store.Store, hub *WSHub) *Service {
	return &Service{
		exec:   exec,
		engine: engine,
		store:  st,
		wsHub:  hub,
	}
}

// Routes registers the API under r, normally mounted at /api/v1.
func (s *Service) Routes(r chi.Router) {
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}

	r.Post("/accounts", s.CreateAccount)
	r.Get("/portfolio", s.GetPortfolio)
	r.Get("/transactions", s.GetTransactions)
	r.Get("/stats", s.GetStats)
	r.Post("/trade", s.ExecuteTrade)
	r.Get("/leaderboard", s.GetLeaderboard)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/lock", s.Lock)
		r.Post("/unlock", s.Unlock)
		r.Post("/reset", s.Reset)
		r.Get("/audit", s.Audit)
	})
}

// --- Request/Response types ---

// NamespaceRef is the explicit namespace carried by every request.
type NamespaceRef struct {
	Type     string `json:"type"` // personal | league
	LeagueID string `json:"league_id,omitempty"`
	UserID   string `json:"user_id"`
}

func (n NamespaceRef) namespace() model.Namespace {
	return model.Namespace{
		Kind:     model.NamespaceKind(strings.ToLower(strings.TrimSpace(n.Type))),
		LeagueID: n.LeagueID,
		UserID:   n.UserID,
	}
}

// CreateAccountRequest is the JSON body for POST /accounts.
type CreateAccountRequest struct {
	NamespaceRef
	StartingCash decimal.Decimal `json:"starting_cash"` // 0 -> configured default
}

// TradeRequest is the JSON body for POST /trade.
type TradeRequest struct {
	NamespaceRef
	Symbol string          `json:"symbol"`
	Side   string          `json:"side"` // BUY or SELL
	Shares int64           `json:"shares"`
	Price  decimal.Decimal `json:"price"` // optional; 0 -> current oracle price
}

// LockRequest is the JSON body for POST /admin/lock and /admin/unlock.
// With only league_id set, /admin/lock locks the whole league.
type LockRequest struct {
	NamespaceRef
	Reason string `json:"reason,omitempty"`
}

// ResetRequest is the JSON body for POST /admin/reset.
type ResetRequest struct {
	NamespaceRef
	StartingCash decimal.Decimal `json:"starting_cash"`
	Force        bool            `json:"force"`
}

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error        string           `json:"error"`
	Code         string           `json:"code"`
	Field        string           `json:"field,omitempty"`
	Reason       string           `json:"reason,omitempty"`
	RetryAfterMs int64            `json:"retry_after_ms,omitempty"`
	Needed       *decimal.Decimal `json:"needed,omitempty"`
	Available    *decimal.Decimal `json:"available,omitempty"`
	Requested    int64            `json:"requested,omitempty"`
	Owned        *int64           `json:"owned,omitempty"`
	Retryable    bool             `json:"retryable"`
}

// --- HTTP Handlers ---

// CreateAccount handles POST /api/v1/accounts
func (s *Service) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ns := req.namespace()
	var (
		acct *model.Account
		err  error
	)
	switch ns.Kind {
	case model.KindPersonal:
		acct, err = s.exec.OpenPersonal(r.Context(), ns.UserID, req.StartingCash)
	case model.KindLeague:
		acct, err = s.exec.JoinLeague(r.Context(), ns.LeagueID, ns.UserID, req.StartingCash)
	default:
		err = &ledger.ValidationError{Field: "type", Reason: "must be personal or league"}
	}
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, acct)
}

// ExecuteTrade handles POST /api/v1/trade
// Resolves the price when none is given, checks throttles and commits.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	rcpt, err := s.exec.Execute(r.Context(), ledger.TradeRequest{
		Namespace: req.namespace(),
		Symbol:    req.Symbol,
		Side:      model.Side(strings.ToUpper(strings.TrimSpace(req.Side))),
		Shares:    req.Shares,
		Price:     req.Price,
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rcpt)
}

// GetPortfolio handles GET /api/v1/portfolio?type=&league_id=&user_id=
// Returns cash, valued positions and P&L. Partial when a price is missing.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	ns, ok := namespaceFromQuery(w, r)
	if !ok {
		return
	}
	v, err := s.engine.Valuate(r.Context(), ns)
	if err != nil {
		writeReadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// GetTransactions handles GET /api/v1/transactions
// Returns the full log of a namespace in sequence order.
func (s *Service) GetTransactions(w http.ResponseWriter, r *http.Request) {
	ns, ok := namespaceFromQuery(w, r)
	if !ok {
		return
	}
	records, err := s.store.GetTransactions(r.Context(), ns)
	if err != nil {
		writeReadError(w, err)
		return
	}
	if records == nil {
		records = []model.TransactionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// GetStats handles GET /api/v1/stats
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	ns, ok := namespaceFromQuery(w, r)
	if !ok {
		return
	}
	st, err := s.engine.Stats(r.Context(), ns)
	if err != nil {
		writeReadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetLeaderboard handles GET /api/v1/leaderboard?type=league&league_id=&mode=
func (s *Service) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode, err := valuation.ParseMode(q.Get("mode"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	scope := store.Scope{Kind: model.KindPersonal}
	switch model.NamespaceKind(q.Get("type")) {
	case model.KindLeague:
		scope = store.Scope{Kind: model.KindLeague, LeagueID: q.Get("league_id")}
		if scope.LeagueID == "" {
			writeError(w, "league_id is required for league leaderboards", http.StatusBadRequest)
			return
		}
	case model.KindPersonal, "":
	default:
		writeError(w, "type must be personal or league", http.StatusBadRequest)
		return
	}

	lb, err := s.engine.Leaderboard(r.Context(), scope, mode)
	if err != nil {
		slog.Error("leaderboard failed", "scope", scope.Key(), "err", err)
		writeError(w, "failed to compute leaderboard", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, lb)
}

// Lock handles POST /api/v1/admin/lock
func (s *Service) Lock(w http.ResponseWriter, r *http.Request) {
	var req LockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.UserID == "" && req.LeagueID != "" {
		n, err := s.exec.LockLeague(r.Context(), ledger.LockLeagueCommand{LeagueID: req.LeagueID, Reason: req.Reason})
		if err != nil {
			writeLedgerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"league_id": req.LeagueID, "locked": n})
		return
	}

	acct, err := s.exec.Lock(r.Context(), ledger.LockCommand{Namespace: req.namespace(), Reason: req.Reason})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// Unlock handles POST /api/v1/admin/unlock
func (s *Service) Unlock(w http.ResponseWriter, r *http.Request) {
	var req LockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	acct, err := s.exec.Unlock(r.Context(), ledger.UnlockCommand{Namespace: req.namespace()})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// Reset handles POST /api/v1/admin/reset
func (s *Service) Reset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	acct, err := s.exec.Reset(r.Context(), ledger.ResetCommand{
		Namespace:    req.namespace(),
		StartingCash: req.StartingCash,
		Force:        req.Force,
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// Audit handles GET /api/v1/admin/audit
// Replays the log and reports drift from stored state.
func (s *Service) Audit(w http.ResponseWriter, r *http.Request) {
	ns, ok := namespaceFromQuery(w, r)
	if !ok {
		return
	}
	report, err := s.exec.Audit(r.Context(), ns)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- helpers ---

func namespaceFromQuery(w http.ResponseWriter, r *http.Request) (model.Namespace, bool) {
	q := r.URL.Query()
	ns := NamespaceRef{Type: q.Get("type"), LeagueID: q.Get("league_id"), UserID: q.Get("user_id")}.namespace()
	if err := ns.Validate(); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return ns, false
	}
	return ns, true
}

// writeReadError maps read-path failures: unknown namespaces are 404,
// everything else is a storage problem.
func writeReadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrAccountNotFound):
		writeError(w, "account not found", http.StatusNotFound)
	case errors.Is(err, model.ErrInvalidNamespace):
		writeError(w, err.Error(), http.StatusBadRequest)
	default:
		slog.Error("read failed", "err", err)
		writeError(w, "storage unavailable", http.StatusServiceUnavailable)
	}
}

// writeLedgerError maps the ledger error taxonomy onto status codes.
func writeLedgerError(w http.ResponseWriter, err error) {
	var (
		ve *ledger.ValidationError
		fe *ledger.InsufficientFundsError
		se *ledger.InsufficientSharesError
		le *ledger.NamespaceLockedError
		tv *ledger.ThrottleViolation
		xe *ledger.ExternalServiceError
		lf *ledger.LedgerFault
	)
	resp := ErrorResponse{Error: err.Error(), Retryable: ledger.IsRetryable(err)}
	status := http.StatusInternalServerError

	switch {
	case errors.As(err, &ve):
		resp.Code, resp.Field = "validation", ve.Field
		status = http.StatusBadRequest
		if errors.Is(err, store.ErrAccountNotFound) {
			resp.Code = "not_found"
			status = http.StatusNotFound
		}
	case errors.As(err, &fe):
		needed, available := fe.Needed, fe.Available
		resp.Code, resp.Needed, resp.Available = "insufficient_funds", &needed, &available
		status = http.StatusConflict
	case errors.As(err, &se):
		owned := se.Owned
		resp.Code, resp.Requested, resp.Owned = "insufficient_shares", se.Requested, &owned
		status = http.StatusConflict
	case errors.As(err, &le):
		resp.Code = "namespace_locked"
		status = http.StatusConflict
	case errors.As(err, &tv):
		resp.Code, resp.Reason = "throttled", string(tv.Reason)
		status = http.StatusTooManyRequests
		if tv.RetryAfter > 0 {
			resp.RetryAfterMs = tv.RetryAfter.Milliseconds()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(tv.RetryAfter.Seconds()))))
		}
	case errors.As(err, &xe):
		resp.Code = "external_service"
		status = http.StatusBadGateway
	case errors.As(err, &lf):
		resp.Code = "ledger_fault"
		resp.Error = "ledger temporarily unavailable, retry"
		status = http.StatusServiceUnavailable
	default:
		slog.Error("unclassified error", "err", err)
		resp.Code = "internal"
		resp.Error = "internal error"
	}

	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	code := "validation"
	switch status {
	case http.StatusNotFound:
		code = "not_found"
	case http.StatusServiceUnavailable:
		code = "unavailable"
	}
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}
