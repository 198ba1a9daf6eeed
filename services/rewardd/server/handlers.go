package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"lprewards/rewards"
	"lprewards/services/rewardd/auth"
	"lprewards/services/rewardd/models"
	"lprewards/services/rewardd/storage"
)

// positionRequest is the wire form of a position registration. Rational and
// integer amounts are base-10 strings; "3/2" style fractions are accepted for
// rationals.
type positionRequest struct {
	ID              string `json:"id"`
	Owner           string `json:"owner"`
	Pool            string `json:"pool"`
	TokenA          string `json:"tokenA"`
	TokenB          string `json:"tokenB"`
	ValueUSD        string `json:"valueUsd"`
	PriceLower      string `json:"priceLower"`
	PriceUpper      string `json:"priceUpper"`
	CurrentPrice    string `json:"currentPrice"`
	FeeTierBps      uint32 `json:"feeTierBps"`
	Liquidity       string `json:"liquidity"`
	BaselineAmountA string `json:"baselineAmountA"`
	BaselineAmountB string `json:"baselineAmountB"`
	CreatedAt       string `json:"createdAt"`
}

func (req positionRequest) toDomain() (*rewards.Position, error) {
	valueUSD, err := parseRatField("valueUsd", req.ValueUSD)
	if err != nil {
		return nil, err
	}
	lower, err := parseRatField("priceLower", req.PriceLower)
	if err != nil {
		return nil, err
	}
	upper, err := parseRatField("priceUpper", req.PriceUpper)
	if err != nil {
		return nil, err
	}
	current, err := parseRatField("currentPrice", req.CurrentPrice)
	if err != nil {
		return nil, err
	}
	liquidity, err := parseIntField("liquidity", req.Liquidity)
	if err != nil {
		return nil, err
	}
	amountA, err := parseIntField("baselineAmountA", req.BaselineAmountA)
	if err != nil {
		return nil, err
	}
	amountB, err := parseIntField("baselineAmountB", req.BaselineAmountB)
	if err != nil {
		return nil, err
	}
	createdAt, err := parseInstant(req.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &rewards.Position{
		ID:              strings.TrimSpace(req.ID),
		Owner:           strings.TrimSpace(req.Owner),
		Pool:            strings.TrimSpace(req.Pool),
		TokenA:          strings.TrimSpace(req.TokenA),
		TokenB:          strings.TrimSpace(req.TokenB),
		ValueUSD:        valueUSD,
		PriceLower:      lower,
		PriceUpper:      upper,
		CurrentPrice:    current,
		FeeTierBps:      req.FeeTierBps,
		Liquidity:       liquidity,
		BaselineAmountA: amountA,
		BaselineAmountB: amountB,
		CreatedAt:       createdAt,
	}, nil
}

type positionResponse struct {
	ID         string    `json:"id"`
	Owner      string    `json:"owner"`
	Pool       string    `json:"pool"`
	TokenA     string    `json:"tokenA"`
	TokenB     string    `json:"tokenB"`
	ValueUSD   string    `json:"valueUsd"`
	Status     string    `json:"status"`
	FeeTierBps uint32    `json:"feeTierBps"`
	CreatedAt  time.Time `json:"createdAt"`
}

func positionView(pos *rewards.Position) positionResponse {
	view := positionResponse{
		ID:         pos.ID,
		Owner:      pos.Owner,
		Pool:       pos.Pool,
		TokenA:     pos.TokenA,
		TokenB:     pos.TokenB,
		Status:     string(pos.Status),
		FeeTierBps: pos.FeeTierBps,
		CreatedAt:  pos.CreatedAt,
	}
	if pos.ValueUSD != nil {
		view.ValueUSD = pos.ValueUSD.RatString()
	}
	return view
}

type lotResponse struct {
	LotID     uint64     `json:"lotId"`
	Owner     string     `json:"owner"`
	Amount    string     `json:"amount"`
	Token     string     `json:"token"`
	GrantedAt time.Time  `json:"grantedAt"`
	UnlockAt  time.Time  `json:"unlockAt"`
	Status    string     `json:"status"`
	ClaimedAt *time.Time `json:"claimedAt,omitempty"`
}

func lotView(lot *rewards.Lot, now time.Time) lotResponse {
	view := lotResponse{
		LotID:     lot.LotID,
		Owner:     lot.Owner,
		Amount:    lot.Amount.String(),
		Token:     lot.TokenSymbol,
		GrantedAt: lot.GrantedAt,
		UnlockAt:  lot.UnlockAt,
		Status:    string(lot.Status(now)),
	}
	if lot.Claimed && !lot.ClaimedAt.IsZero() {
		claimedAt := lot.ClaimedAt
		view.ClaimedAt = &claimedAt
	}
	return view
}

type claimRequest struct {
	Owner  string   `json:"owner,omitempty"`
	LotIDs []uint64 `json:"lotIds"`
}

type claimResultView struct {
	LotID   uint64 `json:"lotId"`
	Claimed bool   `json:"claimed"`
	Reason  string `json:"reason,omitempty"`
}

type claimReceiptView struct {
	Owner   string            `json:"owner"`
	Totals  map[string]string `json:"totals"`
	Results []claimResultView `json:"results"`
}

func (s *Server) handleRegisterPosition(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var req positionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	pos, err := req.toDomain()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !canActFor(claims, pos.Owner) {
		http.Error(w, "cannot register positions for another owner", http.StatusForbidden)
		return
	}
	result, err := s.registrar.Register(r.Context(), pos)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	s.writeJSON(w, status, result)
}

func (s *Server) handleRegisterBatch(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var reqs []positionRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if len(reqs) == 0 {
		http.Error(w, "empty batch", http.StatusBadRequest)
		return
	}
	// Malformed entries become nil and are reported per item by the registrar.
	positions := make([]*rewards.Position, len(reqs))
	for i, req := range reqs {
		pos, err := req.toDomain()
		if err != nil {
			continue
		}
		if !canActFor(claims, pos.Owner) {
			http.Error(w, "cannot register positions for another owner", http.StatusForbidden)
			return
		}
		positions[i] = pos
	}
	results := s.registrar.RegisterBatch(r.Context(), positions)
	s.writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	pos, err := s.store.GetPosition(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !canActFor(claims, pos.Owner) {
		http.Error(w, "not your position", http.StatusForbidden)
		return
	}
	s.writeJSON(w, http.StatusOK, positionView(pos))
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.resolveOwner(w, r)
	if !ok {
		return
	}
	positions, err := s.store.PositionsByOwner(r.Context(), owner)
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]positionResponse, 0, len(positions))
	for _, pos := range positions {
		views = append(views, positionView(pos))
	}
	s.writeJSON(w, http.StatusOK, views)
}

type eligiblePositionView struct {
	ID                   string `json:"id"`
	Pool                 string `json:"pool"`
	Status               string `json:"status"`
	FullRange            bool   `json:"fullRange"`
	DaysActive           uint32 `json:"daysActive"`
	EstimatedDailyReward string `json:"estimatedDailyReward"`
	LockPeriodDays       uint32 `json:"lockPeriodDays"`
}

// handleEligiblePositions reports the owner's eligible positions with their
// lock terms and an estimated daily reward from the latest pool snapshot. The
// estimate is informational; the accounting period computes the real amount.
func (s *Server) handleEligiblePositions(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.resolveOwner(w, r)
	if !ok {
		return
	}
	rows, err := s.store.EligiblePositionRows(r.Context(), owner)
	if err != nil {
		s.writeError(w, err)
		return
	}
	program, formula, err := s.store.CurrentProgram(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	now := s.clock().UTC()
	views := make([]eligiblePositionView, 0, len(rows))
	for _, row := range rows {
		since := row.EligibleSince
		if since.IsZero() {
			since = row.PositionCreated
		}
		var daysActive uint32
		if now.After(since) {
			daysActive = uint32(now.Sub(since) / (24 * time.Hour))
		}
		view := eligiblePositionView{
			ID:                   row.ID,
			Pool:                 row.Pool,
			Status:               row.Status,
			FullRange:            row.FullRange,
			DaysActive:           daysActive,
			EstimatedDailyReward: "0",
			LockPeriodDays:       formula.LockPeriodDays,
		}
		if estimate := s.estimateDailyReward(r.Context(), program, formula, row, daysActive); estimate != nil {
			view.EstimatedDailyReward = estimate.String()
		}
		views = append(views, view)
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) estimateDailyReward(ctx context.Context, program *rewards.ProgramConfig, formula *rewards.FormulaParams, row models.Position, daysActive uint32) *big.Int {
	value, ok := new(big.Rat).SetString(row.ValueUSD)
	if !ok {
		return nil
	}
	_, poolValue, _, err := s.store.LatestSample(ctx, row.Pool)
	if err != nil || poolValue == nil || poolValue.Sign() == 0 {
		return nil
	}
	amount, err := rewards.ComputeReward(program, formula, rewards.RewardInput{
		Owner:            row.Owner,
		LiquidityUSD:     value,
		PoolLiquidityUSD: poolValue,
		DaysActive:       daysActive,
		InRangeBps:       rewards.BpsDenominator,
		FullRange:        row.FullRange,
	})
	if err != nil {
		return nil
	}
	return amount
}

func (s *Server) handleListLots(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.resolveOwner(w, r)
	if !ok {
		return
	}
	lots, err := s.custodian.OwnerLots(r.Context(), owner)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, lotViews(lots, s.clock().UTC()))
}

func (s *Server) handleClaimableLots(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.resolveOwner(w, r)
	if !ok {
		return
	}
	lots, err := s.custodian.ClaimableLots(r.Context(), owner)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, lotViews(lots, s.clock().UTC()))
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	owner := strings.TrimSpace(req.Owner)
	if owner == "" {
		owner = claims.Subject
	}
	receipt, err := s.custodian.ClaimBatch(r.Context(), claims.Subject, owner, req.LotIDs)
	if err != nil {
		s.writeError(w, err)
		return
	}

	view := claimReceiptView{Owner: receipt.Owner, Totals: make(map[string]string, len(receipt.TokenTotals))}
	for token, total := range receipt.TokenTotals {
		view.Totals[token] = total.String()
		s.metrics.RecordClaim(token)
	}
	for _, result := range receipt.Results {
		view.Results = append(view.Results, claimResultView{LotID: result.LotID, Claimed: result.Claimed, Reason: result.Reason})
		if !result.Claimed {
			s.metrics.RecordClaimSkip(result.Reason)
		}
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := s.custodian.Balances(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make(map[string]string, len(balances))
	for token, amount := range balances {
		out[token] = amount.String()
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDistribution(w http.ResponseWriter, r *http.Request) {
	day := chi.URLParam(r, "day")
	if _, err := time.Parse(time.DateOnly, day); err != nil {
		http.Error(w, "day must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	dist, err := s.custodian.Distribution(r.Context(), day)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"day":         dist.Day,
		"distributed": dist.Distributed.String(),
		"budget":      dist.Budget.String(),
	})
}

// handleMarketPrice serves a live median across the configured feeds. The pool
// goes in a query parameter because pair names carry slashes.
func (s *Server) handleMarketPrice(w http.ResponseWriter, r *http.Request) {
	if s.market == nil {
		http.Error(w, "market data unavailable", http.StatusServiceUnavailable)
		return
	}
	pool := strings.TrimSpace(r.URL.Query().Get("pool"))
	if pool == "" {
		http.Error(w, "pool query parameter required", http.StatusBadRequest)
		return
	}
	price, err := s.market.MedianPrice(r.Context(), pool)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"pool":  pool,
		"price": price.FloatString(6),
	})
}

type auditEventView struct {
	ID         uint64            `json:"id"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	OccurredAt time.Time         `json:"occurredAt"`
}

// handleAuditEvents lists the custodian audit trail from a cutoff, defaulting
// to the last 24 hours.
func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	cutoff := s.clock().UTC().Add(-24 * time.Hour)
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "since must be RFC 3339", http.StatusBadRequest)
			return
		}
		cutoff = parsed.UTC()
	}
	events, err := s.store.EventsSince(r.Context(), cutoff)
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]auditEventView, 0, len(events))
	for _, evt := range events {
		view := auditEventView{
			ID:         evt.ID,
			Type:       evt.Type,
			Attributes: map[string]string{},
			OccurredAt: evt.OccurredAt,
		}
		_ = json.Unmarshal([]byte(evt.Attributes), &view.Attributes)
		views = append(views, view)
	}
	s.writeJSON(w, http.StatusOK, views)
}

type programPayload struct {
	TotalAllocation string `json:"totalAllocation"`
	DurationDays    uint32 `json:"durationDays"`
	Start           string `json:"start"`
	TreasuryAddress string `json:"treasuryAddress"`
	Active          bool   `json:"active"`
}

func (s *Server) handlePutProgram(w http.ResponseWriter, r *http.Request) {
	var req programPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	allocation, err := parseIntField("totalAllocation", req.TotalAllocation)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	start, err := parseInstant(req.Start)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cfg := &rewards.ProgramConfig{
		TotalAllocation:     allocation,
		ProgramDurationDays: req.DurationDays,
		ProgramStart:        start,
		TreasuryAddress:     strings.TrimSpace(req.TreasuryAddress),
		Active:              req.Active,
	}
	if err := s.store.PutProgram(r.Context(), cfg); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("program revision applied", "operation", "put_program")
	w.WriteHeader(http.StatusNoContent)
}

type formulaPayload struct {
	TimeBoostBps      uint32 `json:"timeBoostBps"`
	FullRangeBonusBps uint32 `json:"fullRangeBonusBps"`
	MinPositionUSD    string `json:"minPositionUsd"`
	LockPeriodDays    uint32 `json:"lockPeriodDays"`
}

func (s *Server) handlePutFormula(w http.ResponseWriter, r *http.Request) {
	var req formulaPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	minValue, err := parseRatField("minPositionUsd", req.MinPositionUSD)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	params := (&rewards.FormulaParams{
		TimeBoostBps:        req.TimeBoostBps,
		FullRangeBonusBps:   req.FullRangeBonusBps,
		MinPositionValueUSD: minValue,
		LockPeriodDays:      req.LockPeriodDays,
	}).ApplyDefaults()
	if err := s.store.PutFormula(r.Context(), params); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("formula revision applied", "operation", "put_formula")
	w.WriteHeader(http.StatusNoContent)
}

type configView struct {
	Program struct {
		TotalAllocation string `json:"totalAllocation"`
		DurationDays    uint32 `json:"durationDays"`
		DailyBudget     string `json:"dailyBudget"`
		Start           string `json:"start"`
		End             string `json:"end"`
		TreasuryAddress string `json:"treasuryAddress"`
		Active          bool   `json:"active"`
	} `json:"program"`
	Formula struct {
		TimeBoostBps      uint32 `json:"timeBoostBps"`
		FullRangeBonusBps uint32 `json:"fullRangeBonusBps"`
		MinPositionUSD    string `json:"minPositionUsd"`
		LockPeriodDays    uint32 `json:"lockPeriodDays"`
	} `json:"formula"`
}

// handleGetConfig reports the current program and formula revisions, the ones
// the next accounting period will snapshot.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	program, formula, err := s.store.CurrentProgram(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	var view configView
	view.Program.TotalAllocation = program.TotalAllocation.String()
	view.Program.DurationDays = program.ProgramDurationDays
	view.Program.DailyBudget = program.DailyBudget().String()
	view.Program.Start = program.ProgramStart.UTC().Format(time.RFC3339)
	view.Program.End = program.ProgramEnd().UTC().Format(time.RFC3339)
	view.Program.TreasuryAddress = program.TreasuryAddress
	view.Program.Active = program.Active
	view.Formula.TimeBoostBps = formula.TimeBoostBps
	view.Formula.FullRangeBonusBps = formula.FullRangeBonusBps
	view.Formula.MinPositionUSD = formula.MinPositionValueUSD.FloatString(6)
	view.Formula.LockPeriodDays = formula.LockPeriodDays
	s.writeJSON(w, http.StatusOK, view)
}

type tokenPayload struct {
	Symbol  string `json:"symbol"`
	Address string `json:"address,omitempty"`
}

func (s *Server) handleAddToken(w http.ResponseWriter, r *http.Request) {
	claims, req, ok := s.decodeWithIdentity(w, r)
	if !ok {
		return
	}
	if err := s.custodian.AddSupportedToken(r.Context(), claims.Subject, req.Symbol, req.Address); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveToken(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	if err := s.custodian.RemoveSupportedToken(r.Context(), claims.Subject, chi.URLParam(r, "symbol")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetActiveToken(w http.ResponseWriter, r *http.Request) {
	claims, req, ok := s.decodeWithIdentity(w, r)
	if !ok {
		return
	}
	if err := s.custodian.SetActiveToken(r.Context(), claims.Subject, req.Symbol); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	if err := s.custodian.Pause(claims.Subject); err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.SetPause(true)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	if err := s.custodian.Unpause(claims.Subject); err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.SetPause(false)
	w.WriteHeader(http.StatusNoContent)
}

type withdrawPayload struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
	To     string `json:"to"`
}

func (s *Server) handleEmergencyWithdraw(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var req withdrawPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	amount, err := parseIntField("amount", req.Amount)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.custodian.EmergencyWithdraw(r.Context(), claims.Subject, req.Token, amount, strings.TrimSpace(req.To)); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Warn("emergency withdrawal executed", "token", req.Token, "operation", "emergency_withdraw")
	w.WriteHeader(http.StatusNoContent)
}

type depositPayload struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var req depositPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	amount, err := parseIntField("amount", req.Amount)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.custodian.Deposit(r.Context(), claims.Subject, req.Token, amount); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type periodRunPayload struct {
	Day string `json:"day,omitempty"`
}

func (s *Server) handlePeriodRun(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		http.Error(w, "period runner unavailable", http.StatusServiceUnavailable)
		return
	}
	var req periodRunPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	day := strings.TrimSpace(req.Day)
	if day == "" {
		day = rewards.DayKey(s.clock())
	} else if _, err := time.Parse(time.DateOnly, day); err != nil {
		http.Error(w, "day must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	report, err := s.runner.Run(r.Context(), day)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"day":     report.Day,
		"granted": report.Granted,
		"skipped": report.Skipped,
		"total":   report.Total.String(),
	})
}

// resolveOwner extracts the effective owner for a list query. Providers are
// pinned to their own subject; operators and admins may query any owner via
// the owner query parameter.
func (s *Server) resolveOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return "", false
	}
	owner := strings.TrimSpace(r.URL.Query().Get("owner"))
	if owner == "" {
		owner = claims.Subject
	}
	if !canActFor(claims, owner) {
		http.Error(w, "cannot query another owner", http.StatusForbidden)
		return "", false
	}
	return owner, true
}

func (s *Server) decodeWithIdentity(w http.ResponseWriter, r *http.Request) (*auth.Claims, tokenPayload, bool) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return nil, tokenPayload{}, false
	}
	var req tokenPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return nil, tokenPayload{}, false
	}
	if strings.TrimSpace(req.Symbol) == "" {
		http.Error(w, "token symbol required", http.StatusBadRequest)
		return nil, tokenPayload{}, false
	}
	req.Symbol = strings.TrimSpace(req.Symbol)
	return claims, req, true
}

func canActFor(claims *auth.Claims, owner string) bool {
	if claims == nil {
		return false
	}
	if claims.Role == auth.RoleOperator || claims.Role == auth.RoleAdmin {
		return true
	}
	return claims.Subject == owner
}

func lotViews(lots []*rewards.Lot, now time.Time) []lotResponse {
	views := make([]lotResponse, 0, len(lots))
	for _, lot := range lots {
		views = append(views, lotView(lot, now))
	}
	return views
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError maps the domain error taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrPositionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, rewards.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, rewards.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, rewards.ErrCapacity):
		status = http.StatusTooManyRequests
	case errors.Is(err, rewards.ErrStateConflict):
		status = http.StatusConflict
	case errors.Is(err, rewards.ErrDataUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", status)
		return
	}
	http.Error(w, err.Error(), status)
}

func parseRatField(name, raw string) (*big.Rat, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return new(big.Rat), nil
	}
	v, ok := new(big.Rat).SetString(raw)
	if !ok {
		return nil, fmt.Errorf("field %s: invalid rational %q", name, raw)
	}
	return v, nil
}

func parseIntField(name, raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("field %s: invalid integer %q", name, raw)
	}
	return v, nil
}

func parseInstant(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UTC(), nil
	}
	ts, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return ts.UTC(), nil
}
