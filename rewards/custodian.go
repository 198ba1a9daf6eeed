package rewards

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Roles recognised by the custodian.
const (
	RoleOperator = "ROLE_REWARD_OPERATOR"
	RoleAdmin    = "ROLE_REWARD_ADMIN"
)

// Authorizer resolves role membership for a caller address.
type Authorizer interface {
	HasRole(role string, caller string) bool
}

// Transferer is the at-most-once fund-transfer primitive. The custodian is
// the sole caller; a returned error aborts the surrounding ledger
// transaction so balances and lot flags never drift from settled funds.
type Transferer interface {
	Transfer(ctx context.Context, token, from, to string, amount *big.Int) error
}

// ProgramSource supplies the current program configuration and formula
// parameters. Implementations return the latest persisted revision.
type ProgramSource interface {
	CurrentProgram(ctx context.Context) (*ProgramConfig, *FormulaParams, error)
}

// LedgerTx is the transactional view the custodian mutates. All methods of a
// single invocation observe and modify one atomic unit: either every write
// commits or none do.
type LedgerTx interface {
	Token(symbol string) (*TokenInfo, bool, error)
	Tokens() ([]TokenInfo, error)
	PutToken(info TokenInfo) error
	TreasuryBalance(symbol string) (*big.Int, error)
	SetTreasuryBalance(symbol string, amount *big.Int) error
	DailyDistributed(day string) (*big.Int, error)
	SetDailyDistributed(day string, amount *big.Int) error
	InsertLot(lot *Lot) (uint64, error)
	Lot(owner string, lotID uint64) (*Lot, bool, error)
	MarkClaimed(owner string, lotID uint64, at time.Time) error
	LotsByOwner(owner string) ([]*Lot, error)
}

// LedgerStore provides atomic access to ledger state. Update runs fn inside
// a single transaction; View runs fn against a consistent read snapshot.
// The transactional daily counter is the cross-process serialization point,
// so horizontally scaled custodians cannot lose cap updates.
type LedgerStore interface {
	Update(ctx context.Context, fn func(LedgerTx) error) error
	View(ctx context.Context, fn func(LedgerTx) error) error
}

// ClaimResult reports the outcome for one lot within a claim batch.
// Ineligible lots are skipped with a reason rather than aborting the batch.
type ClaimResult struct {
	LotID   uint64
	Claimed bool
	Reason  string
}

// ClaimReceipt summarises a processed claim batch.
type ClaimReceipt struct {
	Owner       string
	TokenTotals map[string]*big.Int
	Results     []ClaimResult
}

// DayDistribution reports cap consumption for one accounting day.
type DayDistribution struct {
	Day         string
	Distributed *big.Int
	Budget      *big.Int
}

// Custodian is the authoritative reward ledger and sole fund mover. Grants
// append immutable time-locked lots under the daily cap; claims release
// unlocked lots with exactly one transfer per batch. Grant and claim paths
// are serialized in-process by a mutex and across processes by the
// transactional store.
type Custodian struct {
	mu       sync.Mutex
	store    LedgerStore
	auth     Authorizer
	programs ProgramSource
	transfer Transferer
	emitter  Emitter
	treasury string
	owner    string
	clock    func() time.Time

	pauseMu sync.RWMutex
	paused  bool
}

// CustodianConfig wires the custodian's collaborators. Treasury is the
// address funds move from; Owner is the only caller allowed to perform an
// emergency withdrawal.
type CustodianConfig struct {
	Store    LedgerStore
	Auth     Authorizer
	Programs ProgramSource
	Transfer Transferer
	Emitter  Emitter
	Treasury string
	Owner    string
}

// NewCustodian constructs the custodian.
func NewCustodian(cfg CustodianConfig) (*Custodian, error) {
	if cfg.Store == nil {
		return nil, wrapValidation("ledger store required")
	}
	if cfg.Auth == nil {
		return nil, wrapValidation("authorizer required")
	}
	if cfg.Programs == nil {
		return nil, wrapValidation("program source required")
	}
	if cfg.Transfer == nil {
		return nil, wrapValidation("transferer required")
	}
	if cfg.Treasury == "" || cfg.Owner == "" {
		return nil, wrapValidation("treasury and owner addresses required")
	}
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = NoopEmitter{}
	}
	return &Custodian{
		store:    cfg.Store,
		auth:     cfg.Auth,
		programs: cfg.Programs,
		transfer: cfg.Transfer,
		emitter:  emitter,
		treasury: cfg.Treasury,
		owner:    cfg.Owner,
		clock:    time.Now,
	}, nil
}

// SetClock overrides the time source (primarily for deterministic testing).
func (c *Custodian) SetClock(clock func() time.Time) {
	if c == nil || clock == nil {
		return
	}
	c.clock = clock
}

// Paused reports whether the circuit breaker is engaged.
func (c *Custodian) Paused() bool {
	c.pauseMu.RLock()
	defer c.pauseMu.RUnlock()
	return c.paused
}

// Pause engages the circuit breaker, disabling grants and claims.
func (c *Custodian) Pause(caller string) error {
	if !c.auth.HasRole(RoleAdmin, caller) {
		return ErrUnauthorized
	}
	c.pauseMu.Lock()
	c.paused = true
	c.pauseMu.Unlock()
	c.emit(EventCustodianPaused, map[string]string{"caller": caller})
	return nil
}

// Unpause releases the circuit breaker.
func (c *Custodian) Unpause(caller string) error {
	if !c.auth.HasRole(RoleAdmin, caller) {
		return ErrUnauthorized
	}
	c.pauseMu.Lock()
	c.paused = false
	c.pauseMu.Unlock()
	c.emit(EventCustodianUnpaused, map[string]string{"caller": caller})
	return nil
}

// Grant appends a locked lot for owner against the current day's counter.
func (c *Custodian) Grant(ctx context.Context, caller, owner string, amount *big.Int) (*Lot, error) {
	return c.GrantOn(ctx, caller, owner, amount, "")
}

// GrantOn appends a locked lot for owner and advances the supplied accounting
// day's counter as one atomic unit. The period runner settles a day shortly
// after it closes, so the cap counter and the distribution report must follow
// the accounting day rather than the wall clock at execution time; an empty
// day means the current day. Preconditions checked inside the transaction:
// positive amount, cap headroom for the day, and an active-token treasury
// balance covering the amount. The lot is denominated in the token active at
// grant time; later active-token switches never rewrite it.
func (c *Custodian) GrantOn(ctx context.Context, caller, owner string, amount *big.Int, day string) (*Lot, error) {
	if !c.auth.HasRole(RoleOperator, caller) && !c.auth.HasRole(RoleAdmin, caller) {
		c.emitSkip(EventGrantSkipped, owner, "unauthorized", map[string]string{"caller": caller})
		return nil, ErrUnauthorized
	}
	if c.Paused() {
		c.emitSkip(EventGrantSkipped, owner, "paused", nil)
		return nil, ErrPaused
	}
	if owner == "" {
		return nil, wrapValidation("owner required")
	}
	if amount == nil || amount.Sign() <= 0 {
		c.emitSkip(EventGrantSkipped, owner, "amount_not_positive", nil)
		return nil, ErrAmountNotPositive
	}
	cfg, params, err := c.programs.CurrentProgram(ctx)
	if err != nil {
		return nil, fmt.Errorf("load program: %w", err)
	}
	if cfg == nil || params == nil {
		return nil, ErrNilConfig
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock().UTC()
	if day == "" {
		day = DayKey(now)
	} else if _, err := time.Parse(time.DateOnly, day); err != nil {
		return nil, wrapValidation("malformed accounting day " + day)
	}
	budget := cfg.DailyBudget()

	var lot *Lot
	err = c.store.Update(ctx, func(tx LedgerTx) error {
		active, ok, err := activeToken(tx)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoActiveToken
		}
		distributed, err := tx.DailyDistributed(day)
		if err != nil {
			return err
		}
		next := new(big.Int).Add(distributed, amount)
		if next.Cmp(budget) > 0 {
			c.emitSkip(EventGrantSkipped, owner, "daily_cap_exceeded", map[string]string{
				"day":         day,
				"distributed": distributed.String(),
				"budget":      budget.String(),
			})
			return ErrDailyCapExceeded
		}
		balance, err := tx.TreasuryBalance(active.Symbol)
		if err != nil {
			return err
		}
		if balance.Cmp(amount) < 0 {
			c.emitSkip(EventGrantSkipped, owner, "treasury_insufficient", map[string]string{
				"token":     active.Symbol,
				"available": balance.String(),
			})
			return ErrInsufficientFunds
		}
		lot = &Lot{
			Owner:       owner,
			Amount:      new(big.Int).Set(amount),
			TokenSymbol: active.Symbol,
			GrantedAt:   now,
			UnlockAt:    now.Add(params.LockPeriod()),
		}
		id, err := tx.InsertLot(lot)
		if err != nil {
			return err
		}
		lot.LotID = id
		return tx.SetDailyDistributed(day, next)
	})
	if err != nil {
		return nil, err
	}
	c.emit(EventLotGranted, map[string]string{
		"owner":    owner,
		"lotId":    strconv.FormatUint(lot.LotID, 10),
		"amount":   lot.Amount.String(),
		"token":    lot.TokenSymbol,
		"day":      day,
		"unlockAt": lot.UnlockAt.Format(time.RFC3339),
	})
	return lot.Clone(), nil
}

// ClaimBatch settles the owner's unlocked lots from lotIDs. Ineligible lots
// (unknown, still locked, already claimed) are skipped with per-item
// reporting; they never abort the batch. Claimed flags, treasury balances
// and the fund transfers commit as one unit, with exactly one transfer per
// token denomination present in the batch.
func (c *Custodian) ClaimBatch(ctx context.Context, caller, owner string, lotIDs []uint64) (*ClaimReceipt, error) {
	if caller != owner && !c.auth.HasRole(RoleOperator, caller) && !c.auth.HasRole(RoleAdmin, caller) {
		return nil, ErrUnauthorized
	}
	if c.Paused() {
		return nil, ErrPaused
	}
	if owner == "" {
		return nil, wrapValidation("owner required")
	}
	if len(lotIDs) == 0 {
		return nil, wrapValidation("lot ids required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock().UTC()
	receipt := &ClaimReceipt{Owner: owner, TokenTotals: make(map[string]*big.Int)}
	err := c.store.Update(ctx, func(tx LedgerTx) error {
		seen := make(map[uint64]struct{}, len(lotIDs))
		for _, id := range lotIDs {
			if _, dup := seen[id]; dup {
				receipt.Results = append(receipt.Results, ClaimResult{LotID: id, Reason: "duplicate_in_batch"})
				continue
			}
			seen[id] = struct{}{}
			lot, ok, err := tx.Lot(owner, id)
			if err != nil {
				return err
			}
			if !ok {
				receipt.Results = append(receipt.Results, ClaimResult{LotID: id, Reason: "not_found"})
				continue
			}
			if lot.Claimed {
				receipt.Results = append(receipt.Results, ClaimResult{LotID: id, Reason: "already_claimed"})
				continue
			}
			if now.Before(lot.UnlockAt) {
				receipt.Results = append(receipt.Results, ClaimResult{LotID: id, Reason: "still_locked"})
				continue
			}
			if err := tx.MarkClaimed(owner, id, now); err != nil {
				return err
			}
			total, ok := receipt.TokenTotals[lot.TokenSymbol]
			if !ok {
				total = big.NewInt(0)
				receipt.TokenTotals[lot.TokenSymbol] = total
			}
			total.Add(total, lot.Amount)
			receipt.Results = append(receipt.Results, ClaimResult{LotID: id, Claimed: true})
		}
		for _, symbol := range sortedKeys(receipt.TokenTotals) {
			total := receipt.TokenTotals[symbol]
			if total.Sign() <= 0 {
				continue
			}
			balance, err := tx.TreasuryBalance(symbol)
			if err != nil {
				return err
			}
			if balance.Cmp(total) < 0 {
				// Underfunded after an emergency withdrawal: fail the whole
				// batch without corrupting state; the transaction rolls back.
				c.emitSkip(EventClaimSkipped, owner, "treasury_insufficient", map[string]string{
					"token":     symbol,
					"required":  total.String(),
					"available": balance.String(),
				})
				return ErrInsufficientFunds
			}
			if err := tx.SetTreasuryBalance(symbol, new(big.Int).Sub(balance, total)); err != nil {
				return err
			}
			if err := c.transfer.Transfer(ctx, symbol, c.treasury, owner, total); err != nil {
				return fmt.Errorf("settle claim batch: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for symbol, total := range receipt.TokenTotals {
		c.emit(EventLotClaimed, map[string]string{
			"owner":  owner,
			"token":  symbol,
			"amount": total.String(),
			"lots":   strconv.Itoa(len(receipt.Results)),
		})
	}
	return receipt, nil
}

// AddSupportedToken registers a token. Re-adding an already supported token
// is a benign no-op.
func (c *Custodian) AddSupportedToken(ctx context.Context, caller, symbol, address string) error {
	if !c.auth.HasRole(RoleAdmin, caller) {
		return ErrUnauthorized
	}
	if symbol == "" {
		return wrapValidation("token symbol required")
	}
	err := c.store.Update(ctx, func(tx LedgerTx) error {
		existing, ok, err := tx.Token(symbol)
		if err != nil {
			return err
		}
		if ok && existing.Supported {
			return nil
		}
		info := TokenInfo{Symbol: symbol, Address: address, Supported: true}
		if ok {
			info.Active = existing.Active
			info.Primary = existing.Primary
			if address == "" {
				info.Address = existing.Address
			}
		}
		return tx.PutToken(info)
	})
	if err != nil {
		return err
	}
	c.emit(EventTokenAdded, map[string]string{"token": symbol, "caller": caller})
	return nil
}

// RemoveSupportedToken drops a token from the registry. The primary token
// and the currently active token are never removable.
func (c *Custodian) RemoveSupportedToken(ctx context.Context, caller, symbol string) error {
	if !c.auth.HasRole(RoleAdmin, caller) {
		return ErrUnauthorized
	}
	err := c.store.Update(ctx, func(tx LedgerTx) error {
		info, ok, err := tx.Token(symbol)
		if err != nil {
			return err
		}
		if !ok || !info.Supported {
			return ErrTokenNotRegistered
		}
		if info.Primary || info.Active {
			return ErrTokenNotRemovable
		}
		info.Supported = false
		return tx.PutToken(*info)
	})
	if err != nil {
		return err
	}
	c.emit(EventTokenRemoved, map[string]string{"token": symbol, "caller": caller})
	return nil
}

// SetActiveToken switches the denomination for future grants. Existing lots
// keep the denomination fixed at their grant time.
func (c *Custodian) SetActiveToken(ctx context.Context, caller, symbol string) error {
	if !c.auth.HasRole(RoleAdmin, caller) {
		return ErrUnauthorized
	}
	err := c.store.Update(ctx, func(tx LedgerTx) error {
		next, ok, err := tx.Token(symbol)
		if err != nil {
			return err
		}
		if !ok || !next.Supported {
			return ErrTokenNotRegistered
		}
		if next.Active {
			return nil
		}
		current, ok, err := activeToken(tx)
		if err != nil {
			return err
		}
		if ok {
			current.Active = false
			if err := tx.PutToken(*current); err != nil {
				return err
			}
		}
		next.Active = true
		return tx.PutToken(*next)
	})
	if err != nil {
		return err
	}
	c.emit(EventTokenActivated, map[string]string{"token": symbol, "caller": caller})
	return nil
}

// EmergencyWithdraw moves undistributed funds out of the treasury. Owner
// only, bounded by the current balance, and deliberately blind to lot state:
// it is an explicit admin risk recorded as a distinct audited event.
// Operators must pause grants first if outstanding obligations need
// protection; subsequent underfunded claims fail gracefully.
func (c *Custodian) EmergencyWithdraw(ctx context.Context, caller, symbol string, amount *big.Int, to string) error {
	if caller != c.owner {
		return ErrUnauthorized
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrAmountNotPositive
	}
	if to == "" {
		return wrapValidation("destination required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.store.Update(ctx, func(tx LedgerTx) error {
		balance, err := tx.TreasuryBalance(symbol)
		if err != nil {
			return err
		}
		if balance.Cmp(amount) < 0 {
			return ErrInsufficientFunds
		}
		if err := tx.SetTreasuryBalance(symbol, new(big.Int).Sub(balance, amount)); err != nil {
			return err
		}
		return c.transfer.Transfer(ctx, symbol, c.treasury, to, amount)
	})
	if err != nil {
		return err
	}
	c.emit(EventEmergencyWithdrawal, map[string]string{
		"token":  symbol,
		"amount": amount.String(),
		"to":     to,
		"caller": caller,
	})
	return nil
}

// Deposit credits the treasury balance for a token. Operator/admin gated;
// used when the program is funded or refunded.
func (c *Custodian) Deposit(ctx context.Context, caller, symbol string, amount *big.Int) error {
	if !c.auth.HasRole(RoleOperator, caller) && !c.auth.HasRole(RoleAdmin, caller) {
		return ErrUnauthorized
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrAmountNotPositive
	}
	return c.store.Update(ctx, func(tx LedgerTx) error {
		info, ok, err := tx.Token(symbol)
		if err != nil {
			return err
		}
		if !ok || !info.Supported {
			return ErrTokenNotRegistered
		}
		balance, err := tx.TreasuryBalance(symbol)
		if err != nil {
			return err
		}
		return tx.SetTreasuryBalance(symbol, new(big.Int).Add(balance, amount))
	})
}

// Balances reports the current treasury balance per supported token.
func (c *Custodian) Balances(ctx context.Context) (map[string]*big.Int, error) {
	out := make(map[string]*big.Int)
	err := c.store.View(ctx, func(tx LedgerTx) error {
		tokens, err := tx.Tokens()
		if err != nil {
			return err
		}
		for _, info := range tokens {
			if !info.Supported {
				continue
			}
			balance, err := tx.TreasuryBalance(info.Symbol)
			if err != nil {
				return err
			}
			out[info.Symbol] = balance
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// OwnerLots returns all of the owner's lots, oldest first.
func (c *Custodian) OwnerLots(ctx context.Context, owner string) ([]*Lot, error) {
	var lots []*Lot
	err := c.store.View(ctx, func(tx LedgerTx) error {
		var err error
		lots, err = tx.LotsByOwner(owner)
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(lots, func(i, j int) bool { return lots[i].LotID < lots[j].LotID })
	return lots, nil
}

// ClaimableLots returns the owner's currently unlockable lots.
func (c *Custodian) ClaimableLots(ctx context.Context, owner string) ([]*Lot, error) {
	lots, err := c.OwnerLots(ctx, owner)
	if err != nil {
		return nil, err
	}
	now := c.clock().UTC()
	out := lots[:0]
	for _, lot := range lots {
		if lot.Unlockable(now) {
			out = append(out, lot)
		}
	}
	return out, nil
}

// Distribution reports cap consumption for the supplied day.
func (c *Custodian) Distribution(ctx context.Context, day string) (*DayDistribution, error) {
	cfg, _, err := c.programs.CurrentProgram(ctx)
	if err != nil {
		return nil, err
	}
	dist := &DayDistribution{Day: day, Budget: cfg.DailyBudget()}
	err = c.store.View(ctx, func(tx LedgerTx) error {
		dist.Distributed, err = tx.DailyDistributed(day)
		return err
	})
	if err != nil {
		return nil, err
	}
	return dist, nil
}

func activeToken(tx LedgerTx) (*TokenInfo, bool, error) {
	tokens, err := tx.Tokens()
	if err != nil {
		return nil, false, err
	}
	for i := range tokens {
		if tokens[i].Active && tokens[i].Supported {
			return &tokens[i], true, nil
		}
	}
	return nil, false, nil
}

func sortedKeys(m map[string]*big.Int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *Custodian) emit(eventType string, attrs map[string]string) {
	if attrs == nil {
		attrs = map[string]string{}
	}
	c.emitter.Emit(Event{Type: eventType, Attributes: attrs, At: c.clock().UTC()})
}

func (c *Custodian) emitSkip(eventType, owner, reason string, extra map[string]string) {
	attrs := map[string]string{"owner": owner, "reason": reason}
	for k, v := range extra {
		attrs[k] = v
	}
	c.emit(eventType, attrs)
}
