// Package api provides the HTTP handlers for the parimutuel engine:
// market creation, betting, resolution, payout claims and account queries.
//
// Amounts are integer base units, carried in JSON as decimal strings so
// values above 2^53 survive JavaScript clients.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/parimutuel/internal/auth"
	"github.com/atmx/parimutuel/internal/ledger"
	"github.com/atmx/parimutuel/internal/model"
)

const (
	maxRequestBody     = 64 << 10
	defaultExpiryHours = 24
	maxExpiryHours     = 100 * 365 * 24
)

// Service serves the ledger over HTTP.
type Service struct {
	ledger *ledger.Ledger
	hub    *WSHub
	faucet bool
	logger *slog.Logger
}

// NewService creates a new API service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(l *ledger.Ledger, hub *WSHub, faucet bool, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ledger: l, hub: hub, faucet: faucet, logger: logger}
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market creation. Set either
// EndTime or ExpiresInHours; with neither the market runs for a day.
type CreateMarketRequest struct {
	Question       string     `json:"question"`
	EndTime        *time.Time `json:"end_time,omitempty"`
	ExpiresInHours float64    `json:"expires_in_hours,omitempty"`
}

// BetRequest is the JSON body for POST /markets/{marketID}/bet.
type BetRequest struct {
	Side   string      `json:"side"`   // "yes" or "no"
	Amount json.Number `json:"amount"` // base units
}

// ResolveRequest is the JSON body for POST /markets/{marketID}/resolve.
// Outcome is "yes", "no", or the numeric encoding 0/1.
type ResolveRequest struct {
	Outcome string `json:"outcome"`
}

// ClaimResponse is returned from POST /markets/{marketID}/claim.
type ClaimResponse struct {
	MarketID model.ID `json:"market_id"`
	Bettor   model.ID `json:"bettor"`
	Payout   uint64   `json:"payout,string"`
}

// DepositRequest is the JSON body for POST /accounts/{accountID}/deposit.
type DepositRequest struct {
	Amount json.Number `json:"amount"`
}

// AccountResponse is returned from the account endpoints.
type AccountResponse struct {
	Account model.ID `json:"account"`
	Balance uint64   `json:"balance,string"`
}

// --- HTTP Handlers ---

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	creator, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req CreateMarketRequest
	if !decode(w, r, &req) {
		return
	}

	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		writeError(w, "question is required", "InvalidRequest", http.StatusBadRequest)
		return
	}

	var end time.Time
	switch {
	case req.EndTime != nil && req.ExpiresInHours != 0:
		writeError(w, "set end_time or expires_in_hours, not both", "InvalidRequest", http.StatusBadRequest)
		return
	case req.EndTime != nil:
		end = *req.EndTime
	case req.ExpiresInHours < 0 || math.IsNaN(req.ExpiresInHours):
		writeError(w, "expires_in_hours must be positive", "InvalidRequest", http.StatusBadRequest)
		return
	case req.ExpiresInHours > maxExpiryHours:
		writeError(w, "expires_in_hours must be at most "+strconv.Itoa(maxExpiryHours), "InvalidRequest", http.StatusBadRequest)
		return
	case req.ExpiresInHours > 0:
		end = s.ledger.Now().Add(time.Duration(req.ExpiresInHours * float64(time.Hour)))
	default:
		end = s.ledger.Now().Add(defaultExpiryHours * time.Hour)
	}

	m, err := s.ledger.CreateMarket(r.Context(), creator, req.Question, end)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}

	s.hub.Broadcast(WSMessage{
		Type:       EventMarketCreated,
		MarketID:   m.ID.Hex(),
		YesPool:    "0",
		NoPool:     "0",
		ImpliedYes: half.String(),
	})
	s.writeMarket(w, r, m, http.StatusCreated)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	marketID, ok := pathID(w, r, "marketID")
	if !ok {
		return
	}
	m, err := s.ledger.Market(r.Context(), marketID)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	s.writeMarket(w, r, m, http.StatusOK)
}

// ListMarkets handles GET /api/v1/markets
// Returns all markets, latest deadline first, optionally filtered by
// ?status=open|expired|resolved and ?creator=<id>.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	markets, err := s.ledger.Store().ListMarkets(ctx)
	if err != nil {
		s.logger.Error("list markets failed", "err", err)
		writeError(w, "failed to list markets", "Internal", http.StatusInternalServerError)
		return
	}

	status := r.URL.Query().Get("status")
	var creator *model.ID
	if raw := r.URL.Query().Get("creator"); raw != "" {
		id, err := model.ParseID(raw)
		if err != nil {
			writeError(w, err.Error(), "InvalidRequest", http.StatusBadRequest)
			return
		}
		creator = &id
	}

	now := s.ledger.Now()
	views := make([]MarketView, 0, len(markets))
	for i := range markets {
		m := &markets[i]
		if status != "" && m.Status(now) != status {
			continue
		}
		if creator != nil && m.Creator != *creator {
			continue
		}
		escrow, err := s.ledger.Balance(ctx, m.ID)
		if err != nil {
			s.logger.Error("escrow lookup failed", "market", m.ID, "err", err)
			writeError(w, "failed to list markets", "Internal", http.StatusInternalServerError)
			return
		}
		views = append(views, newMarketView(m, escrow, now))
	}

	writeJSON(w, http.StatusOK, views)
}

// ListBets handles GET /api/v1/markets/{marketID}/bets
func (s *Service) ListBets(w http.ResponseWriter, r *http.Request) {
	marketID, ok := pathID(w, r, "marketID")
	if !ok {
		return
	}
	if _, err := s.ledger.Market(r.Context(), marketID); err != nil {
		s.writeLedgerError(w, err)
		return
	}
	records, err := s.ledger.Store().ListBetRecords(r.Context(), marketID)
	if err != nil {
		s.logger.Error("list bets failed", "market", marketID, "err", err)
		writeError(w, "failed to list bets", "Internal", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []model.BetRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// GetBet handles GET /api/v1/markets/{marketID}/bets/{bettor}
func (s *Service) GetBet(w http.ResponseWriter, r *http.Request) {
	marketID, ok := pathID(w, r, "marketID")
	if !ok {
		return
	}
	bettor, ok := pathID(w, r, "bettor")
	if !ok {
		return
	}

	m, err := s.ledger.Market(r.Context(), marketID)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	rec, err := s.ledger.BetRecord(r.Context(), marketID, bettor)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newBetView(m, rec))
}

// PlaceBet handles POST /api/v1/markets/{marketID}/bet
// The caller stakes from their own account.
func (s *Service) PlaceBet(w http.ResponseWriter, r *http.Request) {
	bettor, ok := s.caller(w, r)
	if !ok {
		return
	}
	marketID, ok := pathID(w, r, "marketID")
	if !ok {
		return
	}
	var req BetRequest
	if !decode(w, r, &req) {
		return
	}

	side, err := model.ParseSide(req.Side)
	if err != nil {
		writeError(w, err.Error(), ledger.Code(ledger.ErrInvalidSide), http.StatusBadRequest)
		return
	}
	amount, ok := parseAmount(w, req.Amount)
	if !ok {
		return
	}

	ctx := r.Context()
	rec, err := s.ledger.PlaceBet(ctx, marketID, side, amount, bettor)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}

	if m, err := s.ledger.Market(ctx, marketID); err == nil {
		implied, _ := impliedOdds(m.YesPool, m.NoPool)
		s.hub.Broadcast(WSMessage{
			Type:       EventBetPlaced,
			MarketID:   marketID.Hex(),
			YesPool:    formatUint(m.YesPool),
			NoPool:     formatUint(m.NoPool),
			ImpliedYes: implied.String(),
			Bettor:     bettor.Hex(),
			Side:       side.String(),
			Amount:     formatUint(amount),
		})
	}

	writeJSON(w, http.StatusOK, rec)
}

// Resolve handles POST /api/v1/markets/{marketID}/resolve
func (s *Service) Resolve(w http.ResponseWriter, r *http.Request) {
	resolver, ok := s.caller(w, r)
	if !ok {
		return
	}
	marketID, ok := pathID(w, r, "marketID")
	if !ok {
		return
	}
	var req ResolveRequest
	if !decode(w, r, &req) {
		return
	}

	outcome, err := parseOutcome(req.Outcome)
	if err != nil {
		writeError(w, err.Error(), ledger.Code(ledger.ErrInvalidOutcome), http.StatusBadRequest)
		return
	}

	m, err := s.ledger.Resolve(r.Context(), marketID, outcome, resolver)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}

	s.hub.Broadcast(WSMessage{
		Type:     EventMarketResolved,
		MarketID: marketID.Hex(),
		YesPool:  formatUint(m.YesPool),
		NoPool:   formatUint(m.NoPool),
		Outcome:  m.Outcome.String(),
	})
	s.writeMarket(w, r, m, http.StatusOK)
}

// Claim handles POST /api/v1/markets/{marketID}/claim
// Pays the caller's winnings into the caller's account.
func (s *Service) Claim(w http.ResponseWriter, r *http.Request) {
	bettor, ok := s.caller(w, r)
	if !ok {
		return
	}
	marketID, ok := pathID(w, r, "marketID")
	if !ok {
		return
	}

	payout, err := s.ledger.Claim(r.Context(), marketID, bettor)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}

	s.hub.Broadcast(WSMessage{
		Type:     EventPayoutClaimed,
		MarketID: marketID.Hex(),
		Bettor:   bettor.Hex(),
		Amount:   formatUint(payout),
	})
	writeJSON(w, http.StatusOK, ClaimResponse{MarketID: marketID, Bettor: bettor, Payout: payout})
}

// GetAccount handles GET /api/v1/accounts/{accountID}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, ok := pathID(w, r, "accountID")
	if !ok {
		return
	}
	bal, err := s.ledger.Balance(r.Context(), account)
	if err != nil {
		s.logger.Error("balance lookup failed", "account", account, "err", err)
		writeError(w, "failed to load account", "Internal", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, AccountResponse{Account: account, Balance: bal})
}

// Deposit handles POST /api/v1/accounts/{accountID}/deposit
// Test faucet: credits the account from nowhere. Disabled unless configured.
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	if !s.faucet {
		writeError(w, "faucet disabled", "FaucetDisabled", http.StatusForbidden)
		return
	}
	account, ok := pathID(w, r, "accountID")
	if !ok {
		return
	}
	var req DepositRequest
	if !decode(w, r, &req) {
		return
	}
	amount, ok := parseAmount(w, req.Amount)
	if !ok {
		return
	}

	bal, err := s.ledger.Deposit(r.Context(), account, amount)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, AccountResponse{Account: account, Balance: bal})
}

// --- helpers ---

func (s *Service) caller(w http.ResponseWriter, r *http.Request) (model.ID, bool) {
	id, ok := auth.CallerFrom(r.Context())
	if !ok {
		writeError(w, "unauthenticated", "Unauthorized", http.StatusUnauthorized)
	}
	return id, ok
}

func (s *Service) writeMarket(w http.ResponseWriter, r *http.Request, m *model.Market, status int) {
	escrow, err := s.ledger.Balance(r.Context(), m.ID)
	if err != nil {
		s.logger.Error("escrow lookup failed", "market", m.ID, "err", err)
	}
	writeJSON(w, status, newMarketView(m, escrow, s.ledger.Now()))
}

// statusByCode maps ledger error codes onto HTTP statuses.
var statusByCode = map[string]int{
	"InvalidAmount":     http.StatusBadRequest,
	"InvalidSide":       http.StatusBadRequest,
	"InvalidOutcome":    http.StatusBadRequest,
	"QuestionTooLong":   http.StatusBadRequest,
	"MarketNotFound":    http.StatusNotFound,
	"BetRecordNotFound": http.StatusNotFound,
	"Resolved":          http.StatusConflict,
	"Ended":             http.StatusConflict,
	"NotEnded":          http.StatusForbidden,
	"NotResolved":       http.StatusConflict,
	"AlreadyClaimed":    http.StatusConflict,
	"InvalidBetRecord":  http.StatusConflict,
	"NothingToClaim":    http.StatusUnprocessableEntity,
	"InsufficientPool":  http.StatusConflict,
	"InsufficientFunds": http.StatusUnprocessableEntity,
	"BalanceOverflow":   http.StatusUnprocessableEntity,
}

func (s *Service) writeLedgerError(w http.ResponseWriter, err error) {
	code := ledger.Code(err)
	status, ok := statusByCode[code]
	if !ok {
		s.logger.Error("internal error", "err", err)
		writeError(w, "internal error", "Internal", http.StatusInternalServerError)
		return
	}
	writeError(w, err.Error(), code, status)
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (model.ID, bool) {
	id, err := model.ParseID(chi.URLParam(r, param))
	if err != nil {
		writeError(w, err.Error(), "InvalidRequest", http.StatusBadRequest)
		return model.ID{}, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", "InvalidRequest", http.StatusBadRequest)
		return false
	}
	return true
}

// parseAmount accepts a base-unit amount as a JSON number or string. Zero
// passes through so the ledger reports InvalidAmount.
func parseAmount(w http.ResponseWriter, n json.Number) (uint64, bool) {
	amount, err := strconv.ParseUint(n.String(), 10, 64)
	if err != nil {
		writeError(w, "amount must be a non-negative integer of base units", ledger.Code(ledger.ErrInvalidAmount), http.StatusBadRequest)
		return 0, false
	}
	return amount, true
}

func parseOutcome(raw string) (model.Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "yes":
		return model.OutcomeYes, nil
	case "no":
		return model.OutcomeNo, nil
	}
	n, err := strconv.ParseUint(raw, 10, 8)
	if err != nil {
		return 0, errors.New("outcome must be yes, no, 0 or 1")
	}
	return model.Outcome(n), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message, code string, status int) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}
