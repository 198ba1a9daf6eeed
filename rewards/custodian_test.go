package rewards

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"
)

// memLedger is an in-memory LedgerStore with copy-on-write transactions:
// Update stages writes against a deep copy and commits only on success, so
// rollback semantics match a real database.
type memLedger struct {
	state *memState
}

type memState struct {
	tokens      map[string]TokenInfo
	balances    map[string]*big.Int
	distributed map[string]*big.Int
	lots        map[string]map[uint64]*Lot
	nextLotID   uint64
}

func newMemLedger() *memLedger {
	return &memLedger{state: &memState{
		tokens:      make(map[string]TokenInfo),
		balances:    make(map[string]*big.Int),
		distributed: make(map[string]*big.Int),
		lots:        make(map[string]map[uint64]*Lot),
		nextLotID:   1,
	}}
}

func (s *memState) clone() *memState {
	out := &memState{
		tokens:      make(map[string]TokenInfo, len(s.tokens)),
		balances:    make(map[string]*big.Int, len(s.balances)),
		distributed: make(map[string]*big.Int, len(s.distributed)),
		lots:        make(map[string]map[uint64]*Lot, len(s.lots)),
		nextLotID:   s.nextLotID,
	}
	for k, v := range s.tokens {
		out.tokens[k] = v
	}
	for k, v := range s.balances {
		out.balances[k] = new(big.Int).Set(v)
	}
	for k, v := range s.distributed {
		out.distributed[k] = new(big.Int).Set(v)
	}
	for owner, lots := range s.lots {
		copied := make(map[uint64]*Lot, len(lots))
		for id, lot := range lots {
			copied[id] = lot.Clone()
		}
		out.lots[owner] = copied
	}
	return out
}

func (m *memLedger) Update(_ context.Context, fn func(LedgerTx) error) error {
	staged := m.state.clone()
	if err := fn(&memTx{state: staged}); err != nil {
		return err
	}
	m.state = staged
	return nil
}

func (m *memLedger) View(_ context.Context, fn func(LedgerTx) error) error {
	return fn(&memTx{state: m.state.clone()})
}

type memTx struct {
	state *memState
}

func (t *memTx) Token(symbol string) (*TokenInfo, bool, error) {
	info, ok := t.state.tokens[symbol]
	if !ok {
		return nil, false, nil
	}
	copied := info
	return &copied, true, nil
}

func (t *memTx) Tokens() ([]TokenInfo, error) {
	out := make([]TokenInfo, 0, len(t.state.tokens))
	for _, info := range t.state.tokens {
		out = append(out, info)
	}
	return out, nil
}

func (t *memTx) PutToken(info TokenInfo) error {
	t.state.tokens[info.Symbol] = info
	return nil
}

func (t *memTx) TreasuryBalance(symbol string) (*big.Int, error) {
	if balance, ok := t.state.balances[symbol]; ok {
		return new(big.Int).Set(balance), nil
	}
	return big.NewInt(0), nil
}

func (t *memTx) SetTreasuryBalance(symbol string, amount *big.Int) error {
	t.state.balances[symbol] = new(big.Int).Set(amount)
	return nil
}

func (t *memTx) DailyDistributed(day string) (*big.Int, error) {
	if v, ok := t.state.distributed[day]; ok {
		return new(big.Int).Set(v), nil
	}
	return big.NewInt(0), nil
}

func (t *memTx) SetDailyDistributed(day string, amount *big.Int) error {
	t.state.distributed[day] = new(big.Int).Set(amount)
	return nil
}

func (t *memTx) InsertLot(lot *Lot) (uint64, error) {
	id := t.state.nextLotID
	t.state.nextLotID++
	stored := lot.Clone()
	stored.LotID = id
	if t.state.lots[lot.Owner] == nil {
		t.state.lots[lot.Owner] = make(map[uint64]*Lot)
	}
	t.state.lots[lot.Owner][id] = stored
	return id, nil
}

func (t *memTx) Lot(owner string, lotID uint64) (*Lot, bool, error) {
	lot, ok := t.state.lots[owner][lotID]
	if !ok {
		return nil, false, nil
	}
	return lot.Clone(), true, nil
}

func (t *memTx) MarkClaimed(owner string, lotID uint64, at time.Time) error {
	lot, ok := t.state.lots[owner][lotID]
	if !ok {
		return ErrLotNotFound
	}
	if lot.Claimed {
		return ErrLotAlreadyClaimed
	}
	lot.Claimed = true
	lot.ClaimedAt = at
	return nil
}

func (t *memTx) LotsByOwner(owner string) ([]*Lot, error) {
	out := make([]*Lot, 0, len(t.state.lots[owner]))
	for _, lot := range t.state.lots[owner] {
		out = append(out, lot.Clone())
	}
	return out, nil
}

type staticAuth struct {
	roles map[string][]string
}

func (a staticAuth) HasRole(role, caller string) bool {
	for _, r := range a.roles[caller] {
		if r == role {
			return true
		}
	}
	return false
}

type recordingTransfer struct {
	calls []string
	fail  bool
}

func (r *recordingTransfer) Transfer(_ context.Context, token, from, to string, amount *big.Int) error {
	if r.fail {
		return errors.New("transfer rejected")
	}
	r.calls = append(r.calls, fmt.Sprintf("%s:%s->%s:%s", token, from, to, amount))
	return nil
}

type staticPrograms struct {
	cfg    *ProgramConfig
	params *FormulaParams
}

func (s staticPrograms) CurrentProgram(context.Context) (*ProgramConfig, *FormulaParams, error) {
	return s.cfg, s.params, nil
}

type custodianFixture struct {
	custodian *Custodian
	ledger    *memLedger
	transfer  *recordingTransfer
	events    []Event
	now       time.Time
}

func newCustodianFixture(t *testing.T) *custodianFixture {
	t.Helper()
	fx := &custodianFixture{
		ledger:   newMemLedger(),
		transfer: &recordingTransfer{},
		now:      time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}
	auth := staticAuth{roles: map[string][]string{
		"operator": {RoleOperator},
		"admin":    {RoleAdmin},
	}}
	cust, err := NewCustodian(CustodianConfig{
		Store:    fx.ledger,
		Auth:     auth,
		Programs: staticPrograms{cfg: testProgram(), params: testParams()},
		Transfer: fx.transfer,
		Emitter: EmitterFunc(func(evt Event) {
			fx.events = append(fx.events, evt)
		}),
		Treasury: "treasury1",
		Owner:    "deployer",
	})
	if err != nil {
		t.Fatalf("new custodian: %v", err)
	}
	cust.SetClock(func() time.Time { return fx.now })
	fx.custodian = cust

	ctx := context.Background()
	if err := cust.AddSupportedToken(ctx, "admin", "ZNHB", "0xznhb"); err != nil {
		t.Fatalf("add token: %v", err)
	}
	if err := cust.SetActiveToken(ctx, "admin", "ZNHB"); err != nil {
		t.Fatalf("activate token: %v", err)
	}
	if err := cust.Deposit(ctx, "operator", "ZNHB", big.NewInt(100_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	return fx
}

func (fx *custodianFixture) lastEvent(t *testing.T, eventType string) Event {
	t.Helper()
	for i := len(fx.events) - 1; i >= 0; i-- {
		if fx.events[i].Type == eventType {
			return fx.events[i]
		}
	}
	t.Fatalf("no %s event emitted", eventType)
	return Event{}
}

func TestGrantCreatesLockedLot(t *testing.T) {
	fx := newCustodianFixture(t)
	ctx := context.Background()

	lot, err := fx.custodian.Grant(ctx, "operator", "alice", big.NewInt(1_000))
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if lot.TokenSymbol != "ZNHB" {
		t.Fatalf("lot token = %s, want ZNHB", lot.TokenSymbol)
	}
	if want := fx.now.Add(7 * 24 * time.Hour); !lot.UnlockAt.Equal(want) {
		t.Fatalf("unlock at = %s, want %s", lot.UnlockAt, want)
	}
	if lot.Status(fx.now) != LotGranted {
		t.Fatalf("fresh lot status = %s, want GRANTED", lot.Status(fx.now))
	}
	evt := fx.lastEvent(t, EventLotGranted)
	if evt.Attributes["owner"] != "alice" || evt.Attributes["amount"] != "1000" {
		t.Fatalf("granted event attributes = %v", evt.Attributes)
	}
}

func TestGrantOnUsesSuppliedDayCounter(t *testing.T) {
	fx := newCustodianFixture(t)
	ctx := context.Background()

	yesterday := DayKey(fx.now.Add(-24 * time.Hour))
	lot, err := fx.custodian.GrantOn(ctx, "operator", "alice", big.NewInt(1_000), yesterday)
	if err != nil {
		t.Fatalf("grant on: %v", err)
	}
	// The lock clock still runs from the wall clock, not the accounting day.
	if want := fx.now.Add(7 * 24 * time.Hour); !lot.UnlockAt.Equal(want) {
		t.Fatalf("unlock at = %s, want %s", lot.UnlockAt, want)
	}
	settled, err := fx.custodian.Distribution(ctx, yesterday)
	if err != nil {
		t.Fatalf("distribution: %v", err)
	}
	if settled.Distributed.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("yesterday distributed = %s, want 1000", settled.Distributed)
	}
	today, err := fx.custodian.Distribution(ctx, DayKey(fx.now))
	if err != nil {
		t.Fatalf("distribution: %v", err)
	}
	if today.Distributed.Sign() != 0 {
		t.Fatalf("today's counter moved by %s, want 0", today.Distributed)
	}
	if _, err := fx.custodian.GrantOn(ctx, "operator", "alice", big.NewInt(10), "03/09/2026"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for malformed day, got %v", err)
	}
}

func TestGrantEnforcesDailyCap(t *testing.T) {
	fx := newCustodianFixture(t)
	ctx := context.Background()

	// Daily budget is 450000/90 = 5000.
	if _, err := fx.custodian.Grant(ctx, "operator", "alice", big.NewInt(3_000)); err != nil {
		t.Fatalf("first grant: %v", err)
	}
	if _, err := fx.custodian.Grant(ctx, "operator", "bob", big.NewInt(2_500)); !errors.Is(err, ErrDailyCapExceeded) {
		t.Fatalf("expected ErrDailyCapExceeded, got %v", err)
	}
	evt := fx.lastEvent(t, EventGrantSkipped)
	if evt.Attributes["reason"] != "daily_cap_exceeded" {
		t.Fatalf("skip reason = %s", evt.Attributes["reason"])
	}
	// Headroom remains usable and the next day resets the counter.
	if _, err := fx.custodian.Grant(ctx, "operator", "bob", big.NewInt(2_000)); err != nil {
		t.Fatalf("grant within headroom: %v", err)
	}
	fx.now = fx.now.Add(24 * time.Hour)
	if _, err := fx.custodian.Grant(ctx, "operator", "bob", big.NewInt(5_000)); err != nil {
		t.Fatalf("grant after day rollover: %v", err)
	}
}

func TestGrantRequiresRole(t *testing.T) {
	fx := newCustodianFixture(t)
	if _, err := fx.custodian.Grant(context.Background(), "mallory", "alice", big.NewInt(10)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestGrantRejectsNonPositiveAmount(t *testing.T) {
	fx := newCustodianFixture(t)
	ctx := context.Background()
	if _, err := fx.custodian.Grant(ctx, "operator", "alice", big.NewInt(0)); !errors.Is(err, ErrAmountNotPositive) {
		t.Fatalf("expected ErrAmountNotPositive, got %v", err)
	}
	if _, err := fx.custodian.Grant(ctx, "operator", "alice", big.NewInt(-5)); !errors.Is(err, ErrAmountNotPositive) {
		t.Fatalf("expected ErrAmountNotPositive, got %v", err)
	}
}

func TestClaimBeforeUnlockSkipped(t *testing.T) {
	fx := newCustodianFixture(t)
	ctx := context.Background()
	lot, err := fx.custodian.Grant(ctx, "operator", "alice", big.NewInt(1_000))
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	receipt, err := fx.custodian.ClaimBatch(ctx, "alice", "alice", []uint64{lot.LotID})
	if err != nil {
		t.Fatalf("claim batch: %v", err)
	}
	if receipt.Results[0].Claimed || receipt.Results[0].Reason != "still_locked" {
		t.Fatalf("locked lot result = %+v", receipt.Results[0])
	}
	if len(fx.transfer.calls) != 0 {
		t.Fatalf("no transfer expected, got %v", fx.transfer.calls)
	}
}

func TestClaimAfterUnlockTransfersOnce(t *testing.T) {
	fx := newCustodianFixture(t)
	ctx := context.Background()
	first, err := fx.custodian.Grant(ctx, "operator", "alice", big.NewInt(1_000))
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	second, err := fx.custodian.Grant(ctx, "operator", "alice", big.NewInt(2_000))
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	fx.now = fx.now.Add(8 * 24 * time.Hour)

	receipt, err := fx.custodian.ClaimBatch(ctx, "alice", "alice", []uint64{first.LotID, second.LotID})
	if err != nil {
		t.Fatalf("claim batch: %v", err)
	}
	if total := receipt.TokenTotals["ZNHB"]; total.Cmp(big.NewInt(3_000)) != 0 {
		t.Fatalf("claimed total = %s, want 3000", total)
	}
	if len(fx.transfer.calls) != 1 {
		t.Fatalf("expected one batched transfer, got %v", fx.transfer.calls)
	}
	balances, err := fx.custodian.Balances(ctx)
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if got := balances["ZNHB"]; got.Cmp(big.NewInt(97_000)) != 0 {
		t.Fatalf("treasury balance = %s, want 97000", got)
	}
}

func TestDoubleClaimSkipped(t *testing.T) {
	fx := newCustodianFixture(t)
	ctx := context.Background()
	lot, err := fx.custodian.Grant(ctx, "operator", "alice", big.NewInt(500))
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	fx.now = fx.now.Add(8 * 24 * time.Hour)
	if _, err := fx.custodian.ClaimBatch(ctx, "alice", "alice", []uint64{lot.LotID}); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	receipt, err := fx.custodian.ClaimBatch(ctx, "alice", "alice", []uint64{lot.LotID})
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if receipt.Results[0].Claimed || receipt.Results[0].Reason != "already_claimed" {
		t.Fatalf("double claim result = %+v", receipt.Results[0])
	}
	if len(fx.transfer.calls) != 1 {
		t.Fatalf("expected exactly one transfer, got %v", fx.transfer.calls)
	}
}

func TestClaimBatchSkipsIneligibleAndSettlesRest(t *testing.T) {
	fx := newCustodianFixture(t)
	ctx := context.Background()
	unlocked, err := fx.custodian.Grant(ctx, "operator", "alice", big.NewInt(700))
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	fx.now = fx.now.Add(8 * 24 * time.Hour)
	locked, err := fx.custodian.Grant(ctx, "operator", "alice", big.NewInt(300))
	if err != nil {
		t.Fatalf("grant: %v", err)
	}

	receipt, err := fx.custodian.ClaimBatch(ctx, "alice", "alice", []uint64{unlocked.LotID, locked.LotID, 999})
	if err != nil {
		t.Fatalf("claim batch: %v", err)
	}
	byLot := make(map[uint64]ClaimResult)
	for _, res := range receipt.Results {
		byLot[res.LotID] = res
	}
	if !byLot[unlocked.LotID].Claimed {
		t.Fatalf("unlocked lot not claimed: %+v", byLot[unlocked.LotID])
	}
	if byLot[locked.LotID].Reason != "still_locked" {
		t.Fatalf("locked lot reason = %s", byLot[locked.LotID].Reason)
	}
	if byLot[999].Reason != "not_found" {
		t.Fatalf("unknown lot reason = %s", byLot[999].Reason)
	}
	if total := receipt.TokenTotals["ZNHB"]; total.Cmp(big.NewInt(700)) != 0 {
		t.Fatalf("claimed total = %s, want 700", total)
	}
}

func TestTokenSwitchPreservesLotDenominations(t *testing.T) {
	fx := newCustodianFixture(t)
	ctx := context.Background()
	before, err := fx.custodian.Grant(ctx, "operator", "alice", big.NewInt(100))
	if err != nil {
		t.Fatalf("grant: %v", err)
	}

	if err := fx.custodian.AddSupportedToken(ctx, "admin", "NHB", "0xnhb"); err != nil {
		t.Fatalf("add token: %v", err)
	}
	if err := fx.custodian.SetActiveToken(ctx, "admin", "NHB"); err != nil {
		t.Fatalf("switch token: %v", err)
	}
	if err := fx.custodian.Deposit(ctx, "operator", "NHB", big.NewInt(50_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	after, err := fx.custodian.Grant(ctx, "operator", "alice", big.NewInt(200))
	if err != nil {
		t.Fatalf("grant after switch: %v", err)
	}
	if after.TokenSymbol != "NHB" {
		t.Fatalf("new lot token = %s, want NHB", after.TokenSymbol)
	}

	lots, err := fx.custodian.OwnerLots(ctx, "alice")
	if err != nil {
		t.Fatalf("owner lots: %v", err)
	}
	for _, lot := range lots {
		if lot.LotID == before.LotID && lot.TokenSymbol != "ZNHB" {
			t.Fatalf("pre-switch lot rewritten to %s", lot.TokenSymbol)
		}
	}
}

func TestRemoveTokenGuards(t *testing.T) {
	fx := newCustodianFixture(t)
	ctx := context.Background()
	if err := fx.custodian.RemoveSupportedToken(ctx, "admin", "ZNHB"); !errors.Is(err, ErrTokenNotRemovable) {
		t.Fatalf("active token removal should fail, got %v", err)
	}
	if err := fx.custodian.RemoveSupportedToken(ctx, "admin", "GHOST"); !errors.Is(err, ErrTokenNotRegistered) {
		t.Fatalf("unknown token removal should fail, got %v", err)
	}
	if err := fx.custodian.AddSupportedToken(ctx, "admin", "NHB", "0xnhb"); err != nil {
		t.Fatalf("add token: %v", err)
	}
	if err := fx.custodian.RemoveSupportedToken(ctx, "admin", "NHB"); err != nil {
		t.Fatalf("remove inactive token: %v", err)
	}
}

func TestEmergencyWithdrawThenGracefulClaimFailure(t *testing.T) {
	fx := newCustodianFixture(t)
	ctx := context.Background()
	lot, err := fx.custodian.Grant(ctx, "operator", "alice", big.NewInt(1_000))
	if err != nil {
		t.Fatalf("grant: %v", err)
	}

	if err := fx.custodian.EmergencyWithdraw(ctx, "admin", "ZNHB", big.NewInt(1), "cold1"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-owner withdrawal should fail, got %v", err)
	}
	if err := fx.custodian.EmergencyWithdraw(ctx, "deployer", "ZNHB", big.NewInt(100_000), "cold1"); err != nil {
		t.Fatalf("emergency withdraw: %v", err)
	}
	evt := fx.lastEvent(t, EventEmergencyWithdrawal)
	if evt.Attributes["amount"] != "100000" || evt.Attributes["to"] != "cold1" {
		t.Fatalf("withdrawal event attributes = %v", evt.Attributes)
	}

	// The lot survives the withdrawal but the claim fails without corrupting
	// ledger state.
	fx.now = fx.now.Add(8 * 24 * time.Hour)
	if _, err := fx.custodian.ClaimBatch(ctx, "alice", "alice", []uint64{lot.LotID}); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	lots, err := fx.custodian.OwnerLots(ctx, "alice")
	if err != nil {
		t.Fatalf("owner lots: %v", err)
	}
	if len(lots) != 1 || lots[0].Claimed {
		t.Fatalf("failed claim must leave the lot unclaimed: %+v", lots)
	}
}

func TestPauseBlocksGrantsAndClaims(t *testing.T) {
	fx := newCustodianFixture(t)
	ctx := context.Background()
	lot, err := fx.custodian.Grant(ctx, "operator", "alice", big.NewInt(100))
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := fx.custodian.Pause("operator"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("operator pause should fail, got %v", err)
	}
	if err := fx.custodian.Pause("admin"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := fx.custodian.Grant(ctx, "operator", "alice", big.NewInt(100)); !errors.Is(err, ErrPaused) {
		t.Fatalf("expected ErrPaused on grant, got %v", err)
	}
	fx.now = fx.now.Add(8 * 24 * time.Hour)
	if _, err := fx.custodian.ClaimBatch(ctx, "alice", "alice", []uint64{lot.LotID}); !errors.Is(err, ErrPaused) {
		t.Fatalf("expected ErrPaused on claim, got %v", err)
	}
	if err := fx.custodian.Unpause("admin"); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if _, err := fx.custodian.ClaimBatch(ctx, "alice", "alice", []uint64{lot.LotID}); err != nil {
		t.Fatalf("claim after unpause: %v", err)
	}
}

func TestClaimableLots(t *testing.T) {
	fx := newCustodianFixture(t)
	ctx := context.Background()
	first, err := fx.custodian.Grant(ctx, "operator", "alice", big.NewInt(100))
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	fx.now = fx.now.Add(8 * 24 * time.Hour)
	if _, err := fx.custodian.Grant(ctx, "operator", "alice", big.NewInt(200)); err != nil {
		t.Fatalf("grant: %v", err)
	}
	claimable, err := fx.custodian.ClaimableLots(ctx, "alice")
	if err != nil {
		t.Fatalf("claimable lots: %v", err)
	}
	if len(claimable) != 1 || claimable[0].LotID != first.LotID {
		t.Fatalf("claimable = %+v, want only lot %d", claimable, first.LotID)
	}
}

func TestTransferFailureRollsBackClaim(t *testing.T) {
	fx := newCustodianFixture(t)
	ctx := context.Background()
	lot, err := fx.custodian.Grant(ctx, "operator", "alice", big.NewInt(500))
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	fx.now = fx.now.Add(8 * 24 * time.Hour)
	fx.transfer.fail = true
	if _, err := fx.custodian.ClaimBatch(ctx, "alice", "alice", []uint64{lot.LotID}); err == nil {
		t.Fatal("expected claim to fail when transfer fails")
	}
	lots, err := fx.custodian.OwnerLots(ctx, "alice")
	if err != nil {
		t.Fatalf("owner lots: %v", err)
	}
	if lots[0].Claimed {
		t.Fatal("claim flag must roll back with the failed transfer")
	}
	balances, err := fx.custodian.Balances(ctx)
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if balances["ZNHB"].Cmp(big.NewInt(100_000)) != 0 {
		t.Fatalf("balance must roll back, got %s", balances["ZNHB"])
	}
}
