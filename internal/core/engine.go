// internal/core/engine.go
package core

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/UnlockdFinance/unlockd-ledger/internal/event"
	"github.com/UnlockdFinance/unlockd-ledger/internal/ledger"
	fpmath "github.com/UnlockdFinance/unlockd-ledger/internal/math"
	"github.com/UnlockdFinance/unlockd-ledger/internal/observability"
	"github.com/UnlockdFinance/unlockd-ledger/internal/state"
)

// DefaultSafeHealthFactorRay is the post-redeem floor: 1.1 in ray. A redeem
// must lift the loan clearly above the liquidation boundary, not just to it.
var DefaultSafeHealthFactorRay = func() *big.Int {
	hf := new(big.Int).Mul(fpmath.Ray, big.NewInt(11))
	return hf.Quo(hf, big.NewInt(10))
}()

// globalBalanceCheckInterval controls how often the full per-plane zero-sum
// check runs. Per-account checks run on every event.
const globalBalanceCheckInterval = 1000

// CoreOutput is what the core emits downstream after an applied event: the
// sealed envelope plus the journal batch it produced (nil for state-only
// events like price and config updates).
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Batch    *ledger.Batch
}

// LendingCore is the single-threaded deterministic engine. Every transition
// is atomic: validate first against current state, then mutate, then seal
// the result into the hash chain. A rejected event leaves no trace beyond a
// metric. The core never reads the wall clock; all window checks use the
// event's versioned timestamp.
type LendingCore struct {
	sequence int64
	hasher   *StateHasher

	balanceTracker *ledger.BalanceTracker
	journalGen     *ledger.JournalGenerator
	validator      *ledger.InvariantValidator

	reserves   *state.ReserveRegistry
	loans      *state.LoanBook
	nftConfigs *state.NFTConfigManager
	prices     *state.PriceStore
	valuation  *state.ValuationCalculator
	vault      *state.VaultAllocator

	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator

	metrics *observability.Metrics

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput

	safeHealthFactor *big.Int

	// touched accumulates canonical bytes of every state object a
	// transition mutated; it feeds the state digest.
	touched []byte

	// pendingAlerts holds derived health alerts raised while handling an
	// oracle event, emitted after the triggering envelope.
	pendingAlerts []*event.LoanHealthAlert

	// Reentrancy guard. Handlers must never call ProcessEvent.
	inTransition bool
}

// CoreConfig wires the core's collaborators and tunables.
type CoreConfig struct {
	IdempotencyLRUCapacity int
	MaxReserves            int
	SafeHealthFactorRay    *big.Int
	DBChecker              DBIdempotencyChecker
	Metrics                *observability.Metrics
	PersistChan            chan<- CoreOutput
	ProjectionChan         chan<- CoreOutput
}

func NewLendingCore(cfg CoreConfig) *LendingCore {
	if cfg.IdempotencyLRUCapacity <= 0 {
		cfg.IdempotencyLRUCapacity = 100_000
	}
	safeHF := cfg.SafeHealthFactorRay
	if safeHF == nil {
		safeHF = DefaultSafeHealthFactorRay
	}

	tracker := ledger.NewBalanceTracker()
	reserves := state.NewReserveRegistry(cfg.MaxReserves)
	prices := state.NewPriceStore()

	return &LendingCore{
		hasher:            NewStateHasher(),
		balanceTracker:    tracker,
		journalGen:        ledger.NewJournalGenerator(1, tracker),
		validator:         ledger.NewInvariantValidator(tracker),
		reserves:          reserves,
		loans:             state.NewLoanBook(),
		nftConfigs:        state.NewNFTConfigManager(),
		prices:            prices,
		valuation:         state.NewValuationCalculator(prices, reserves),
		vault:             state.NewVaultAllocator(),
		idempotency:       NewIdempotencyChecker(cfg.IdempotencyLRUCapacity, cfg.DBChecker),
		sequenceValidator: NewSequenceValidator(),
		metrics:           cfg.Metrics,
		persistChan:       cfg.PersistChan,
		projectionChan:    cfg.ProjectionChan,
		safeHealthFactor:  safeHF,
		touched:           make([]byte, 0, 1024),
	}
}

// GetSequence returns the last applied global sequence.
func (c *LendingCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current hash chain tip.
func (c *LendingCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// ProcessEvent runs one event through the full pipeline: dedup, source
// ordering, dispatch, ledger application, digest, hash chain, emit.
// Returns (nil, nil) for duplicates and stale oracle ticks.
func (c *LendingCore) ProcessEvent(evt event.Event) (*event.EventEnvelope, error) {
	if c.inTransition {
		panic("core: reentrant ProcessEvent call")
	}
	c.inTransition = true
	defer func() { c.inTransition = false }()

	start := time.Now()
	eventType := evt.EventType().String()
	idemKey := evt.IdempotencyKey()

	isDuplicate := c.idempotency.IsDuplicate(eventType, idemKey)

	partition := partitionFor(evt)
	if isOracleEvent(evt.EventType()) {
		expected := c.sequenceValidator.GetExpectedSequence(partition)
		if evt.SourceSequence() < expected {
			// Stale oracle tick: silently dropped, never an error.
			return nil, nil
		}
		_ = c.sequenceValidator.ValidateOracleSequence(partition, evt.SourceSequence())
	} else {
		if err := c.sequenceValidator.ValidateSequence(partition, evt.SourceSequence(), idemKey, isDuplicate); err != nil {
			c.recordRejected(eventType, "sequence")
			return nil, err
		}
	}

	if isDuplicate {
		return nil, nil
	}

	c.touched = c.touched[:0]
	c.pendingAlerts = c.pendingAlerts[:0]

	batch, err := c.dispatch(evt)
	if err != nil {
		c.recordRejected(eventType, RejectionCode(err))
		return nil, err
	}

	envelope := c.seal(evt, batch)
	c.postCheckInvariants(batch)
	c.emit(CoreOutput{Envelope: envelope, Batch: batch})

	for _, alert := range c.pendingAlerts {
		c.emitDerived(alert)
	}
	c.pendingAlerts = c.pendingAlerts[:0]

	c.idempotency.MarkProcessed(eventType, idemKey)
	c.recordApplied(eventType, batch, time.Since(start))

	return envelope, nil
}

// seal applies the batch, digests the touched state, advances the hash
// chain, and wraps everything in an envelope. Failures here are invariant
// violations, not rejections: the batch was already validated against
// current state, so they panic.
func (c *LendingCore) seal(evt event.Event, batch *ledger.Batch) *event.EventEnvelope {
	if batch != nil && len(batch.Journals) > 0 {
		if err := c.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("core: unbalanced batch for %s: %v", evt.EventType(), err))
		}
		if err := c.balanceTracker.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("core: batch apply failed for %s: %v", evt.EventType(), err))
		}
	}

	hashStart := time.Now()
	digest := c.computeStateDigest(batch)
	c.sequence++

	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, digest)
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		panic(fmt.Sprintf("core: payload marshal failed for %s: %v", evt.EventType(), err))
	}

	return &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType(),
		ReserveAsset:   evt.ReserveAsset(),
		Timestamp:      time.Unix(evt.EventTime(), 0).UTC(),
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
}

// emitDerived seals and publishes a core-originated event. Derived events
// get their own sequence and hash chain entry but carry no journals.
func (c *LendingCore) emitDerived(alert *event.LoanHealthAlert) {
	alert.Sequence = c.sequence + 1

	c.touched = c.touched[:0]
	c.touchBytes([]byte(alert.IdempotencyKey()))
	envelope := c.seal(alert, nil)
	c.emit(CoreOutput{Envelope: envelope})

	c.idempotency.MarkProcessed(alert.EventType().String(), alert.IdempotencyKey())
	if c.metrics != nil {
		c.metrics.HealthAlerts.WithLabelValues(alert.Collection).Inc()
	}
}

func (c *LendingCore) emit(out CoreOutput) {
	if c.persistChan != nil {
		c.persistChan <- out // blocking: durability gates progress
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- out:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}
}

// postCheckInvariants validates the user accounts a batch touched and, on
// a fixed cadence, the global per-plane zero-sum. Violations panic: the
// ledger must never advance past a corrupt state. Only user claims are
// held non-negative; external accounts and the system counterweights
// (deposit_claims, debt_claims) run negative as claims are minted.
func (c *LendingCore) postCheckInvariants(batch *ledger.Batch) {
	if batch != nil {
		for _, j := range batch.Journals {
			for _, key := range [2]ledger.AccountKey{j.DebitAccount, j.CreditAccount} {
				if key.Scope != ledger.AccountScopeUser {
					continue
				}
				if err := c.balanceTracker.ValidateNonNegative(key); err != nil {
					panic(fmt.Sprintf("core: invariant violation at seq %d: %v", c.sequence, err))
				}
			}
		}
	}
	if c.sequence%globalBalanceCheckInterval == 0 {
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			panic(fmt.Sprintf("core: global balance violation at seq %d: %v", c.sequence, err))
		}
	}
}

// --- State digest ---

// computeStateDigest folds the balances of every account the batch touched
// (sorted by account path for determinism) together with the canonical
// bytes of every domain object the handler mutated.
func (c *LendingCore) computeStateDigest(batch *ledger.Batch) []byte {
	buf := make([]byte, 0, 256+len(c.touched))

	if batch != nil && len(batch.Journals) > 0 {
		affected := make(map[string]ledger.AccountKey, len(batch.Journals)*2)
		for _, j := range batch.Journals {
			affected[j.DebitAccount.AccountPath()] = j.DebitAccount
			affected[j.CreditAccount.AccountPath()] = j.CreditAccount
		}
		paths := make([]string, 0, len(affected))
		for p := range affected {
			paths = append(paths, p)
		}
		sort.Strings(paths)

		for _, p := range paths {
			buf = appendLenPrefixed(buf, []byte(p))
			buf = appendDigestBigInt(buf, c.balanceTracker.GetBalance(affected[p]))
		}
	}

	buf = append(buf, c.touched...)
	return buf
}

func (c *LendingCore) touch(obj interface{ CanonicalBytes() []byte }) {
	c.touched = appendLenPrefixed(c.touched, obj.CanonicalBytes())
}

func (c *LendingCore) touchBytes(b []byte) {
	c.touched = appendLenPrefixed(c.touched, b)
}

func appendLenPrefixed(buf, b []byte) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, b...)
}

func appendDigestBigInt(buf []byte, v *big.Int) []byte {
	if v == nil {
		return append(buf, 0, 0, 0)
	}
	buf = append(buf, byte(v.Sign()+1))
	mag := v.Bytes()
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(mag)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, mag...)
}

// --- Partitioning ---

func isOracleEvent(et event.EventType) bool {
	return et == event.EventTypeAssetPriceUpdate || et == event.EventTypeNFTPriceUpdate
}

// partitionFor maps an event to its ordering partition. Reserve-scoped
// events order per reserve; oracle events order per price feed; the rest
// share the global partition.
func partitionFor(evt event.Event) string {
	switch e := evt.(type) {
	case *event.AssetPriceUpdate:
		return "price:asset:" + e.Asset
	case *event.NFTPriceUpdate:
		return "price:nft:" + e.Collection
	}
	if asset := evt.ReserveAsset(); asset != nil {
		return "reserve:" + *asset
	}
	return "global"
}

// --- Dispatch ---

func (c *LendingCore) dispatch(evt event.Event) (*ledger.Batch, error) {
	switch e := evt.(type) {
	case *event.Deposit:
		return c.handleDeposit(e)
	case *event.Withdraw:
		return c.handleWithdraw(e)
	case *event.Borrow:
		return c.handleBorrow(e)
	case *event.Repay:
		return c.handleRepay(e)
	case *event.AuctionBid:
		return c.handleAuctionBid(e)
	case *event.Redeem:
		return c.handleRedeem(e)
	case *event.Liquidate:
		return c.handleLiquidate(e)
	case *event.Buyout:
		return c.handleBuyout(e)
	case *event.AssetPriceUpdate:
		return c.handleAssetPriceUpdate(e)
	case *event.NFTPriceUpdate:
		return c.handleNFTPriceUpdate(e)
	case *event.ReserveConfigUpdate:
		return c.handleReserveConfigUpdate(e)
	case *event.NFTConfigUpdate:
		return c.handleNFTConfigUpdate(e)
	case *event.StrategyAdded:
		return c.handleStrategyAdded(e)
	case *event.StrategyParamsUpdated:
		return c.handleStrategyParamsUpdated(e)
	case *event.StrategyRevoked:
		return c.handleStrategyRevoked(e)
	case *event.StrategyReport:
		return c.handleStrategyReport(e)
	default:
		return nil, fmt.Errorf("unknown event type %T", evt)
	}
}

// --- Shared helpers ---

func (c *LendingCore) getReserve(asset string) (*state.Reserve, error) {
	res, ok := c.reserves.Get(asset)
	if !ok {
		return nil, reject(ReasonReserveNotFound, "reserve %s not registered", asset)
	}
	return res, nil
}

func (c *LendingCore) getActiveReserve(asset string) (*state.Reserve, error) {
	res, err := c.getReserve(asset)
	if err != nil {
		return nil, err
	}
	if !res.Active {
		return nil, reject(ReasonReserveInactive, "reserve %s is inactive", asset)
	}
	return res, nil
}

// getOpenReserve is the gate for liquidity-adding and borrowing paths:
// frozen reserves still allow withdraw and repay, never deposit or borrow.
func (c *LendingCore) getOpenReserve(asset string) (*state.Reserve, error) {
	res, err := c.getActiveReserve(asset)
	if err != nil {
		return nil, err
	}
	if res.Frozen {
		return nil, reject(ReasonReserveFrozen, "reserve %s is frozen", asset)
	}
	return res, nil
}

func mapPriceErr(err error) error {
	switch {
	case errors.Is(err, state.ErrNonExistingCollection):
		return reject(ReasonNonExistingCollection, "%v", err)
	case errors.Is(err, state.ErrPriceZero):
		return reject(ReasonPriceZero, "%v", err)
	default:
		return err
	}
}

// ensureLiquidity plans a pull of deployed cash back from the strategy
// queue when idle liquidity cannot cover an outflow. Nothing is mutated
// here: the handler applies the plan via applyDraws only after the journal
// generator has accepted the batch, so a rejection later in the transition
// leaves the vault untouched.
func (c *LendingCore) ensureLiquidity(res *state.Reserve, amount *big.Int) ([]ledger.StrategyDraw, []state.WithdrawalInstruction, error) {
	if amount.Cmp(res.AvailableLiquidity) <= 0 {
		return nil, nil, nil
	}
	shortfall := new(big.Int).Sub(amount, res.AvailableLiquidity)
	plan, ok := c.vault.PlanLiquidityWithdrawal(res.Asset, shortfall)
	if !ok {
		return nil, nil, reject(ReasonInsufficientLiquidity,
			"reserve %s short %v even after strategy queue", res.Asset, shortfall)
	}

	draws := make([]ledger.StrategyDraw, 0, len(plan))
	for _, instr := range plan {
		draws = append(draws, ledger.StrategyDraw{StrategyID: instr.StrategyID, Amount: instr.Amount})
		if record, found := c.vault.Get(instr.StrategyID); found {
			c.touch(record)
		}
	}
	return draws, plan, nil
}

// applyDraws moves drawn cash from deployed to available on the reserve
// mirror and returns the total drawn.
func applyDraws(res *state.Reserve, draws []ledger.StrategyDraw) *big.Int {
	drawn := new(big.Int)
	for _, d := range draws {
		drawn.Add(drawn, d.Amount)
	}
	res.DeployedLiquidity.Sub(res.DeployedLiquidity, drawn)
	res.AvailableLiquidity.Add(res.AvailableLiquidity, drawn)
	return drawn
}

// --- Supply handlers ---

func (c *LendingCore) handleDeposit(e *event.Deposit) (*ledger.Batch, error) {
	if e.Amount == nil || e.Amount.Sign() <= 0 {
		return nil, reject(ReasonAmountZero, "deposit amount must be > 0")
	}
	res, err := c.getOpenReserve(e.Asset)
	if err != nil {
		return nil, err
	}

	res.RefreshIndices(e.Timestamp)

	scaled := fpmath.RayDivDown(e.Amount, res.LiquidityIndex)
	if scaled.Sign() == 0 {
		return nil, reject(ReasonAmountZero, "deposit %v mints zero scaled units", e.Amount)
	}

	batch, err := c.journalGen.GenerateDeposit(
		e.IdempotencyKey(), e.UserID, e.Asset, res.AssetID, e.Amount, scaled, e.Timestamp)
	if err != nil {
		return nil, err
	}

	res.TotalScaledDeposits.Add(res.TotalScaledDeposits, scaled)
	res.AvailableLiquidity.Add(res.AvailableLiquidity, e.Amount)
	res.UpdateRates()
	res.Version++
	c.touch(res)
	c.recordReserveGauges(res)

	return batch, nil
}

func (c *LendingCore) handleWithdraw(e *event.Withdraw) (*ledger.Batch, error) {
	res, err := c.getActiveReserve(e.Asset)
	if err != nil {
		return nil, err
	}

	res.RefreshIndices(e.Timestamp)

	userScaled := c.balanceTracker.GetUserScaledDeposit(e.UserID, res.AssetID)
	if userScaled.Sign() == 0 {
		return nil, reject(ReasonInsufficientDeposit, "user %s holds no deposit in %s", e.UserID, e.Asset)
	}

	var amount, scaled *big.Int
	if e.Amount == nil {
		// Withdraw-all sentinel: burn the full claim.
		scaled = fpmath.Clone(userScaled)
		amount = fpmath.RayMulDown(scaled, res.LiquidityIndex)
	} else {
		if e.Amount.Sign() <= 0 {
			return nil, reject(ReasonAmountZero, "withdraw amount must be > 0")
		}
		amount = e.Amount
		scaled = fpmath.RayDivUp(amount, res.LiquidityIndex)
		if scaled.Cmp(userScaled) > 0 {
			return nil, reject(ReasonInsufficientDeposit,
				"withdraw %v exceeds balance of user %s", amount, e.UserID)
		}
	}
	if amount.Sign() == 0 {
		return nil, reject(ReasonAmountZero, "withdrawable amount rounds to zero")
	}

	draws, plan, err := c.ensureLiquidity(res, amount)
	if err != nil {
		return nil, err
	}

	batch, err := c.journalGen.GenerateWithdraw(
		e.IdempotencyKey(), e.UserID, e.Asset, res.AssetID, amount, scaled, draws, e.Timestamp)
	if err != nil {
		return nil, err
	}

	c.vault.ApplyWithdrawalPlan(plan)
	applyDraws(res, draws)
	res.TotalScaledDeposits.Sub(res.TotalScaledDeposits, scaled)
	res.AvailableLiquidity.Sub(res.AvailableLiquidity, amount)
	res.UpdateRates()
	res.Version++
	c.touch(res)
	c.recordReserveGauges(res)

	return batch, nil
}

// --- Borrow handlers ---

func (c *LendingCore) handleBorrow(e *event.Borrow) (*ledger.Batch, error) {
	if e.Amount == nil || e.Amount.Sign() <= 0 {
		return nil, reject(ReasonAmountZero, "borrow amount must be > 0")
	}
	// Debt is minted against OnBehalfOf; only that user may direct it.
	// Credit delegation would relax this with an allowance registry.
	if e.Caller != e.OnBehalfOf {
		return nil, reject(ReasonNoBorrowAllowance,
			"caller %s has no borrow allowance from %s", e.Caller, e.OnBehalfOf)
	}
	res, err := c.getOpenReserve(e.Asset)
	if err != nil {
		return nil, err
	}
	if !res.BorrowingEnabled {
		return nil, reject(ReasonBorrowingDisabled, "borrowing disabled on reserve %s", e.Asset)
	}

	cfg, ok := c.nftConfigs.Get(e.Collection)
	if !ok {
		return nil, reject(ReasonCollectionNotConfigured, "collection %s has no risk config", e.Collection)
	}
	if !cfg.Active {
		return nil, reject(ReasonCollectionInactive, "collection %s is inactive", e.Collection)
	}
	if cfg.Frozen {
		return nil, reject(ReasonCollectionFrozen, "collection %s is frozen", e.Collection)
	}

	res.RefreshIndices(e.Timestamp)

	nftPrice, updatedAt, err := c.prices.GetNFTPrice(e.Collection, e.TokenID)
	if err != nil {
		return nil, mapPriceErr(err)
	}
	if !state.PriceFresh(updatedAt, e.Timestamp, cfg.TimeframeSec) {
		return nil, reject(ReasonPriceStale,
			"price for %s/%d is %ds old, timeframe %ds",
			e.Collection, e.TokenID, e.Timestamp-updatedAt, cfg.TimeframeSec)
	}
	assetPrice, err := c.prices.GetAssetPrice(e.Asset)
	if err != nil {
		return nil, mapPriceErr(err)
	}

	// Top-up reuses the existing loan and its borrow-time snapshot;
	// otherwise a fresh loan snapshots the current config.
	loan, topUp := c.loans.GetActiveByToken(e.Collection, e.TokenID)
	snap := cfg.Snapshot()
	if topUp {
		if loan.State != state.LoanStateActive {
			return nil, reject(ReasonInvalidLoanState,
				"loan %s is %s, top-up needs Active", loan.LoanID, loan.State)
		}
		if loan.Borrower != e.OnBehalfOf {
			return nil, reject(ReasonNotBorrower,
				"loan %s belongs to %s", loan.LoanID, loan.Borrower)
		}
		if loan.Asset != e.Asset {
			return nil, reject(ReasonInvalidLoanState,
				"loan %s is denominated in %s", loan.LoanID, loan.Asset)
		}
		snap = loan.Config
	}

	scaledNew := fpmath.RayDivUp(e.Amount, res.VariableBorrowIndex)
	if scaledNew.Sign() == 0 {
		return nil, reject(ReasonAmountZero, "borrow %v mints zero scaled debt", e.Amount)
	}

	newScaledDebt := new(big.Int).Set(scaledNew)
	if topUp {
		newScaledDebt.Add(newScaledDebt, loan.ScaledDebt)
	}
	newDebt := fpmath.RayMulUp(newScaledDebt, res.VariableBorrowIndex)
	debtValue := new(big.Int).Mul(newDebt, assetPrice)
	debtValue.Quo(debtValue, fpmath.Wad)

	hf := state.ComputeHealthFactor(nftPrice, snap.LiquidationThresholdBps, debtValue)
	if hf.Cmp(fpmath.Ray) < 0 {
		return nil, reject(ReasonHealthFactorBelowOne,
			"post-borrow health factor %v below one", hf)
	}
	ltvCap := fpmath.PercentMul(nftPrice, snap.LtvBps)
	if debtValue.Cmp(ltvCap) > 0 {
		return nil, reject(ReasonExceedsLTV,
			"post-borrow debt value %v exceeds LTV cap %v", debtValue, ltvCap)
	}

	draws, plan, err := c.ensureLiquidity(res, e.Amount)
	if err != nil {
		return nil, err
	}

	borrower := e.OnBehalfOf
	batch, err := c.journalGen.GenerateBorrow(
		e.IdempotencyKey(), borrower, e.Asset, res.AssetID, e.Amount, scaledNew, draws, e.Timestamp)
	if err != nil {
		return nil, err
	}

	c.vault.ApplyWithdrawalPlan(plan)
	applyDraws(res, draws)
	if topUp {
		loan.ScaledDebt.Add(loan.ScaledDebt, scaledNew)
		loan.Version++
	} else {
		loan = &state.Loan{
			LoanID:     e.OpID, // deterministic: derived from the event, not generated
			Borrower:   borrower,
			Collection: e.Collection,
			TokenID:    e.TokenID,
			Asset:      e.Asset,
			ScaledDebt: fpmath.Clone(scaledNew),
			State:      state.LoanStateActive,
			Config:     snap,
			CreatedAt:  e.Timestamp,
		}
		if err := c.loans.Create(loan); err != nil {
			return nil, reject(ReasonInvalidLoanState, "%v", err)
		}
		c.recordLoanTransition(state.LoanStateActive, 1)
	}

	res.TotalScaledDebt.Add(res.TotalScaledDebt, scaledNew)
	res.AvailableLiquidity.Sub(res.AvailableLiquidity, e.Amount)
	res.UpdateRates()
	res.Version++
	c.touch(res)
	c.touch(loan)
	c.recordReserveGauges(res)

	return batch, nil
}

func (c *LendingCore) handleRepay(e *event.Repay) (*ledger.Batch, error) {
	loan, ok := c.loans.Get(e.LoanID)
	if !ok {
		return nil, reject(ReasonLoanNotFound, "loan %s not found", e.LoanID)
	}
	if loan.State != state.LoanStateActive && loan.State != state.LoanStateAuction {
		return nil, reject(ReasonInvalidLoanState, "loan %s is %s", loan.LoanID, loan.State)
	}
	if loan.Asset != e.Asset {
		return nil, reject(ReasonInvalidLoanState, "loan %s is denominated in %s", loan.LoanID, loan.Asset)
	}
	res, err := c.getActiveReserve(loan.Asset)
	if err != nil {
		return nil, err
	}

	res.RefreshIndices(e.Timestamp)
	debt := c.valuation.LoanDebt(loan, res)
	if debt.Sign() == 0 {
		return nil, reject(ReasonAmountZero, "loan %s carries no debt", loan.LoanID)
	}

	// Repay-all sentinel, or an amount at/above the debt, clamps to the
	// full outstanding debt.
	full := e.Amount == nil || e.Amount.Cmp(debt) >= 0
	if !full && e.Amount.Sign() <= 0 {
		return nil, reject(ReasonAmountZero, "repay amount must be > 0")
	}
	if !full && loan.State == state.LoanStateAuction {
		return nil, reject(ReasonPartialRepayInAuction,
			"loan %s is in auction, only full repayment accepted", loan.LoanID)
	}

	var amount, scaledBurn *big.Int
	if full {
		amount = debt
		scaledBurn = fpmath.Clone(loan.ScaledDebt)
	} else {
		amount = e.Amount
		scaledBurn = fpmath.RayDivDown(amount, res.VariableBorrowIndex)
		if scaledBurn.Sign() == 0 {
			return nil, reject(ReasonAmountZero, "repay %v burns zero scaled debt", amount)
		}
	}

	var batch *ledger.Batch
	bidRefund := new(big.Int)
	if full && loan.State == state.LoanStateAuction {
		bidRefund.Set(loan.BidPrice)
		batch, err = c.journalGen.GenerateRepayWithRefund(
			e.IdempotencyKey(), loan.Borrower, loan.Asset, res.AssetID,
			amount, scaledBurn, bidRefund, e.Timestamp)
	} else {
		batch, err = c.journalGen.GenerateRepay(
			e.IdempotencyKey(), loan.Borrower, loan.Asset, res.AssetID,
			amount, scaledBurn, e.Timestamp)
	}
	if err != nil {
		return nil, err
	}

	loan.ScaledDebt.Sub(loan.ScaledDebt, scaledBurn)
	res.TotalScaledDebt.Sub(res.TotalScaledDebt, scaledBurn)
	res.AvailableLiquidity.Add(res.AvailableLiquidity, amount)
	res.AvailableLiquidity.Sub(res.AvailableLiquidity, bidRefund)

	if full {
		if err := c.loans.Transition(loan, state.LoanStateRepaid); err != nil {
			panic(fmt.Sprintf("core: repay transition failed: %v", err))
		}
		loan.ClearAuction()
		c.recordLoanTransition(state.LoanStateRepaid, -1)
	} else {
		loan.Version++
	}

	res.UpdateRates()
	res.Version++
	c.touch(res)
	c.touch(loan)
	c.recordReserveGauges(res)

	return batch, nil
}

// --- Auction handlers ---

func (c *LendingCore) handleAuctionBid(e *event.AuctionBid) (*ledger.Batch, error) {
	if e.BidPrice == nil || e.BidPrice.Sign() <= 0 {
		return nil, reject(ReasonAmountZero, "bid price must be > 0")
	}
	loan, ok := c.loans.Get(e.LoanID)
	if !ok {
		return nil, reject(ReasonLoanNotFound, "loan %s not found", e.LoanID)
	}
	if loan.Asset != e.Asset {
		return nil, reject(ReasonInvalidLoanState, "loan %s is denominated in %s", loan.LoanID, loan.Asset)
	}
	res, err := c.getActiveReserve(loan.Asset)
	if err != nil {
		return nil, err
	}
	res.RefreshIndices(e.Timestamp)

	bidder := e.OnBehalfOf
	var prevBid *big.Int

	switch loan.State {
	case state.LoanStateActive:
		// Opening bid: only an undercollateralized loan may be auctioned,
		// and the bid must clear the debt plus the liquidation bonus.
		hf, err := c.valuation.HealthFactor(loan, res)
		if err != nil {
			return nil, mapPriceErr(err)
		}
		if hf.Cmp(fpmath.Ray) >= 0 {
			return nil, reject(ReasonHealthFactorNotBelowOne,
				"loan %s health factor %v not below one", loan.LoanID, hf)
		}
		minBid := c.valuation.LiquidatePrice(loan, res)
		if e.BidPrice.Cmp(minBid) < 0 {
			return nil, reject(ReasonBidBelowLiquidatePrice,
				"bid %v below liquidate price %v", e.BidPrice, minBid)
		}

	case state.LoanStateAuction:
		if e.Timestamp > loan.AuctionEndsAt() {
			return nil, reject(ReasonAuctionWindowElapsed,
				"auction on loan %s ended at %d", loan.LoanID, loan.AuctionEndsAt())
		}
		if loan.Bidder != nil && *loan.Bidder == bidder {
			return nil, reject(ReasonSameBidder, "bidder %s already holds the top bid", bidder)
		}
		minBid := fpmath.PercentMulUp(loan.BidPrice, fpmath.BpsDenominator+loan.Config.MinBidDeltaBps)
		if e.BidPrice.Cmp(minBid) < 0 {
			return nil, reject(ReasonBidBelowMinDelta,
				"bid %v below required %v", e.BidPrice, minBid)
		}
		prevBid = loan.BidPrice

	default:
		return nil, reject(ReasonInvalidLoanState, "loan %s is %s", loan.LoanID, loan.State)
	}

	batch, err := c.journalGen.GenerateAuctionBid(
		e.IdempotencyKey(), loan.Asset, res.AssetID, e.BidPrice, prevBid, e.Timestamp)
	if err != nil {
		return nil, err
	}

	if loan.State == state.LoanStateActive {
		// BidBorrowAmount freezes the debt level that triggered the
		// auction, before the transition clears the Active state.
		loan.BidBorrowAmount = c.valuation.LoanDebt(loan, res)
		if err := c.loans.Transition(loan, state.LoanStateAuction); err != nil {
			panic(fmt.Sprintf("core: auction transition failed: %v", err))
		}
		loan.FirstBidTime = e.Timestamp
		c.recordLoanTransition(state.LoanStateAuction, 0)
	} else {
		loan.Version++
	}

	loan.Bidder = &bidder
	loan.BidPrice = fpmath.Clone(e.BidPrice)
	loan.BidCount++

	res.AvailableLiquidity.Add(res.AvailableLiquidity, e.BidPrice)
	if prevBid != nil {
		res.AvailableLiquidity.Sub(res.AvailableLiquidity, prevBid)
	}
	res.UpdateRates()
	res.Version++
	c.touch(res)
	c.touch(loan)
	if c.metrics != nil {
		c.metrics.AuctionBids.WithLabelValues(loan.Asset).Inc()
	}
	c.recordReserveGauges(res)

	return batch, nil
}

func (c *LendingCore) handleRedeem(e *event.Redeem) (*ledger.Batch, error) {
	loan, ok := c.loans.Get(e.LoanID)
	if !ok {
		return nil, reject(ReasonLoanNotFound, "loan %s not found", e.LoanID)
	}
	if loan.State != state.LoanStateAuction {
		return nil, reject(ReasonInvalidLoanState, "loan %s is %s, redeem needs Auction", loan.LoanID, loan.State)
	}
	if loan.Asset != e.Asset {
		return nil, reject(ReasonInvalidLoanState, "loan %s is denominated in %s", loan.LoanID, loan.Asset)
	}
	if e.Caller != loan.Borrower {
		return nil, reject(ReasonNotBorrower, "only borrower %s may redeem", loan.Borrower)
	}
	if e.Timestamp > loan.RedeemEndsAt() {
		return nil, reject(ReasonRedeemWindowElapsed,
			"redeem window on loan %s closed at %d", loan.LoanID, loan.RedeemEndsAt())
	}
	res, err := c.getActiveReserve(loan.Asset)
	if err != nil {
		return nil, err
	}
	res.RefreshIndices(e.Timestamp)

	debt := c.valuation.LoanDebt(loan, res)
	minRepay := fpmath.PercentMul(debt, loan.Config.RedeemThresholdBps)
	if e.RepayAmount == nil || e.RepayAmount.Cmp(minRepay) < 0 || e.RepayAmount.Cmp(debt) > 0 {
		return nil, reject(ReasonAmountOutOfBounds,
			"redeem repay must be within [%v, %v]", minRepay, debt)
	}

	minFine := fpmath.Max(
		fpmath.PercentMul(loan.BidPrice, loan.Config.RedeemFineBps),
		loan.Config.MinBidFine)
	if e.BidFine == nil || e.BidFine.Cmp(minFine) < 0 {
		return nil, reject(ReasonBidFineTooLow, "bid fine below minimum %v", minFine)
	}

	var scaledBurn *big.Int
	if e.RepayAmount.Cmp(debt) == 0 {
		scaledBurn = fpmath.Clone(loan.ScaledDebt)
	} else {
		scaledBurn = fpmath.RayDivDown(e.RepayAmount, res.VariableBorrowIndex)
	}

	// Redeem must land the loan safely above water, not on the boundary.
	remainingScaled := new(big.Int).Sub(loan.ScaledDebt, scaledBurn)
	nftPrice, _, err := c.prices.GetNFTPrice(loan.Collection, loan.TokenID)
	if err != nil {
		return nil, mapPriceErr(err)
	}
	assetPrice, err := c.prices.GetAssetPrice(loan.Asset)
	if err != nil {
		return nil, mapPriceErr(err)
	}
	remainingDebt := new(big.Int)
	if remainingScaled.Sign() > 0 {
		remainingDebt = fpmath.RayMulUp(remainingScaled, res.VariableBorrowIndex)
	}
	remainingValue := new(big.Int).Mul(remainingDebt, assetPrice)
	remainingValue.Quo(remainingValue, fpmath.Wad)
	hf := state.ComputeHealthFactor(nftPrice, loan.Config.LiquidationThresholdBps, remainingValue)
	if hf.Cmp(c.safeHealthFactor) < 0 {
		return nil, reject(ReasonHealthFactorBelowSafe,
			"post-redeem health factor %v below safe threshold %v", hf, c.safeHealthFactor)
	}

	bidRefund := fpmath.Clone(loan.BidPrice)
	batch, err := c.journalGen.GenerateRedeem(
		e.IdempotencyKey(), loan.Borrower, loan.Asset, res.AssetID,
		e.RepayAmount, scaledBurn, bidRefund, e.BidFine, e.Timestamp)
	if err != nil {
		return nil, err
	}

	loan.ScaledDebt.Sub(loan.ScaledDebt, scaledBurn)
	res.TotalScaledDebt.Sub(res.TotalScaledDebt, scaledBurn)
	res.AvailableLiquidity.Add(res.AvailableLiquidity, e.RepayAmount)
	res.AvailableLiquidity.Sub(res.AvailableLiquidity, bidRefund)

	if err := c.loans.Transition(loan, state.LoanStateActive); err != nil {
		panic(fmt.Sprintf("core: redeem transition failed: %v", err))
	}
	loan.ClearAuction()
	c.recordLoanTransition(state.LoanStateActive, 0)

	res.UpdateRates()
	res.Version++
	c.touch(res)
	c.touch(loan)
	if c.metrics != nil {
		c.metrics.AuctionRedeems.WithLabelValues(loan.Asset).Inc()
	}
	c.recordReserveGauges(res)

	return batch, nil
}

func (c *LendingCore) handleLiquidate(e *event.Liquidate) (*ledger.Batch, error) {
	loan, ok := c.loans.Get(e.LoanID)
	if !ok {
		return nil, reject(ReasonLoanNotFound, "loan %s not found", e.LoanID)
	}
	if loan.State != state.LoanStateAuction || loan.Bidder == nil {
		return nil, reject(ReasonInvalidLoanState,
			"loan %s has no claimable auction", loan.LoanID)
	}
	if loan.Asset != e.Asset {
		return nil, reject(ReasonInvalidLoanState, "loan %s is denominated in %s", loan.LoanID, loan.Asset)
	}
	if e.Timestamp < loan.ClaimableAt() {
		return nil, reject(ReasonAuctionNotClaimable,
			"auction on loan %s claimable at %d", loan.LoanID, loan.ClaimableAt())
	}
	res, err := c.getActiveReserve(loan.Asset)
	if err != nil {
		return nil, err
	}
	res.RefreshIndices(e.Timestamp)

	debt := c.valuation.LoanDebt(loan, res)

	// Debt kept accruing past the bid: the claimant covers the gap. A bid
	// above the debt pays the excess out to the borrower. The won NFT goes
	// to the highest bidder, so only they may claim, unless a third party
	// steps in to cover a shortfall the bidder is not funding.
	extraUsed := new(big.Int)
	surplus := new(big.Int)
	if debt.Cmp(loan.BidPrice) > 0 {
		shortfall := new(big.Int).Sub(debt, loan.BidPrice)
		if e.ExtraAmount == nil || e.ExtraAmount.Cmp(shortfall) < 0 {
			return nil, reject(ReasonInsufficientExtraAmount,
				"debt exceeds bid by %v, extra amount insufficient", shortfall)
		}
		extraUsed.Set(shortfall)
	} else {
		if e.Caller != *loan.Bidder {
			return nil, reject(ReasonNotBidder,
				"auction on loan %s was won by %s", loan.LoanID, *loan.Bidder)
		}
		surplus.Sub(loan.BidPrice, debt)
	}

	scaledDebt := fpmath.Clone(loan.ScaledDebt)
	batch, err := c.journalGen.GenerateLiquidate(
		e.IdempotencyKey(), loan.Borrower, loan.Asset, res.AssetID,
		extraUsed, surplus, scaledDebt, e.Timestamp)
	if err != nil {
		return nil, err
	}

	res.TotalScaledDebt.Sub(res.TotalScaledDebt, scaledDebt)
	res.AvailableLiquidity.Add(res.AvailableLiquidity, extraUsed)
	res.AvailableLiquidity.Sub(res.AvailableLiquidity, surplus)
	loan.ScaledDebt = new(big.Int)

	if err := c.loans.Transition(loan, state.LoanStateDefaulted); err != nil {
		panic(fmt.Sprintf("core: liquidate transition failed: %v", err))
	}
	c.recordLoanTransition(state.LoanStateDefaulted, -1)

	res.UpdateRates()
	res.Version++
	c.touch(res)
	c.touch(loan)
	if c.metrics != nil {
		c.metrics.AuctionLiquidated.WithLabelValues(loan.Asset).Inc()
	}
	c.recordReserveGauges(res)

	return batch, nil
}

func (c *LendingCore) handleBuyout(e *event.Buyout) (*ledger.Batch, error) {
	loan, ok := c.loans.Get(e.LoanID)
	if !ok {
		return nil, reject(ReasonLoanNotFound, "loan %s not found", e.LoanID)
	}
	if loan.State != state.LoanStateActive && loan.State != state.LoanStateAuction {
		return nil, reject(ReasonInvalidLoanState, "loan %s is %s", loan.LoanID, loan.State)
	}
	if loan.Asset != e.Asset {
		return nil, reject(ReasonInvalidLoanState, "loan %s is denominated in %s", loan.LoanID, loan.Asset)
	}
	res, err := c.getActiveReserve(loan.Asset)
	if err != nil {
		return nil, err
	}
	res.RefreshIndices(e.Timestamp)

	hf, err := c.valuation.HealthFactor(loan, res)
	if err != nil {
		return nil, mapPriceErr(err)
	}
	if hf.Cmp(fpmath.Ray) >= 0 {
		return nil, reject(ReasonHealthFactorNotBelowOne,
			"loan %s health factor %v not below one", loan.LoanID, hf)
	}

	expected, err := c.valuation.BuyoutPrice(loan, e.Member)
	if err != nil {
		return nil, mapPriceErr(err)
	}
	if e.OfferedPrice == nil || e.OfferedPrice.Cmp(expected) != 0 {
		return nil, reject(ReasonBuyoutPriceMismatch,
			"offered price must equal %v exactly", expected)
	}

	debt := c.valuation.LoanDebt(loan, res)
	if e.OfferedPrice.Cmp(debt) < 0 {
		return nil, reject(ReasonBuyoutBelowDebt,
			"buyout price %v below outstanding debt %v", e.OfferedPrice, debt)
	}

	surplus := new(big.Int).Sub(e.OfferedPrice, debt)
	bidRefund := new(big.Int)
	if loan.State == state.LoanStateAuction && loan.BidPrice != nil {
		bidRefund.Set(loan.BidPrice)
	}

	scaledDebt := fpmath.Clone(loan.ScaledDebt)
	batch, err := c.journalGen.GenerateBuyout(
		e.IdempotencyKey(), loan.Borrower, loan.Asset, res.AssetID,
		e.OfferedPrice, bidRefund, surplus, scaledDebt, e.Timestamp)
	if err != nil {
		return nil, err
	}

	res.TotalScaledDebt.Sub(res.TotalScaledDebt, scaledDebt)
	// Net cash effect: price in, surplus and bid refund out.
	res.AvailableLiquidity.Add(res.AvailableLiquidity, debt)
	res.AvailableLiquidity.Sub(res.AvailableLiquidity, bidRefund)
	loan.ScaledDebt = new(big.Int)

	if err := c.loans.Transition(loan, state.LoanStateDefaulted); err != nil {
		panic(fmt.Sprintf("core: buyout transition failed: %v", err))
	}
	loan.ClearAuction()
	c.recordLoanTransition(state.LoanStateDefaulted, -1)

	res.UpdateRates()
	res.Version++
	c.touch(res)
	c.touch(loan)
	if c.metrics != nil {
		c.metrics.Buyouts.WithLabelValues(loan.Asset).Inc()
	}
	c.recordReserveGauges(res)

	return batch, nil
}

// --- Oracle handlers ---

func (c *LendingCore) handleAssetPriceUpdate(e *event.AssetPriceUpdate) (*ledger.Batch, error) {
	if err := c.prices.SetAssetPrice(e.Asset, e.Price); err != nil {
		return nil, mapPriceErr(err)
	}
	c.touchBytes([]byte(e.IdempotencyKey()))
	c.touchBytes(e.Price.Bytes())
	return nil, nil
}

func (c *LendingCore) handleNFTPriceUpdate(e *event.NFTPriceUpdate) (*ledger.Batch, error) {
	if err := c.prices.SetNFTPrice(e.Collection, e.TokenID, e.Price, e.Timestamp); err != nil {
		return nil, mapPriceErr(err)
	}
	c.touchBytes([]byte(e.IdempotencyKey()))
	c.touchBytes(e.Price.Bytes())

	// Price drop may push the open loan on this token under water; raise a
	// derived alert for off-chain keepers.
	loan, ok := c.loans.GetActiveByToken(e.Collection, e.TokenID)
	if !ok {
		return nil, nil
	}
	res, found := c.reserves.Get(loan.Asset)
	if !found {
		return nil, nil
	}
	res.RefreshIndices(e.Timestamp)
	hf, err := c.valuation.HealthFactor(loan, res)
	if err != nil || hf.Cmp(fpmath.Ray) >= 0 {
		return nil, nil
	}

	c.pendingAlerts = append(c.pendingAlerts, &event.LoanHealthAlert{
		LoanID:          loan.LoanID,
		Collection:      loan.Collection,
		TokenID:         loan.TokenID,
		Asset:           loan.Asset,
		HealthFactorRay: hf,
		Timestamp:       e.Timestamp,
	})
	return nil, nil
}

// --- Configuration handlers ---

func (c *LendingCore) handleReserveConfigUpdate(e *event.ReserveConfigUpdate) (*ledger.Batch, error) {
	if e.ReserveFactorBps > fpmath.BpsDenominator {
		return nil, reject(ReasonInvalidConfig, "reserve_factor_bps %d exceeds 10000", e.ReserveFactorBps)
	}
	strategy := &fpmath.InterestRateStrategy{
		OptimalUtilization: fpmath.RayFromPercent(e.OptimalUtilizationBps),
		BaseRate:           fpmath.RayFromPercent(e.BaseRateBps),
		Slope1:             fpmath.RayFromPercent(e.Slope1Bps),
		Slope2:             fpmath.RayFromPercent(e.Slope2Bps),
	}
	if err := strategy.Validate(); err != nil {
		return nil, reject(ReasonInvalidConfig, "%v", err)
	}

	res, exists := c.reserves.Get(e.Asset)
	if exists {
		res.RefreshIndices(e.Timestamp)
		res.RateStrategy = strategy
	} else {
		if c.reserves.Count() >= state.DefaultMaxReserves {
			return nil, reject(ReasonTooManyReserves,
				"reserve ceiling %d reached", state.DefaultMaxReserves)
		}
		created, err := c.reserves.Create(e.Asset, strategy)
		if err != nil {
			return nil, reject(ReasonInvalidConfig, "%v", err)
		}
		res = created
		res.LastUpdate = e.Timestamp
	}

	res.ReserveFactorBps = e.ReserveFactorBps
	res.Active = e.Active
	res.Frozen = e.Frozen
	res.BorrowingEnabled = e.BorrowingEnabled
	res.UpdateRates()
	res.Version++
	c.touch(res)
	c.recordReserveGauges(res)

	return nil, nil
}

func (c *LendingCore) handleNFTConfigUpdate(e *event.NFTConfigUpdate) (*ledger.Batch, error) {
	cfg := &state.NFTConfig{
		Collection:              e.Collection,
		LtvBps:                  e.LtvBps,
		LiquidationThresholdBps: e.LiquidationThresholdBps,
		RedeemThresholdBps:      e.RedeemThresholdBps,
		LiquidationBonusBps:     e.LiquidationBonusBps,
		RedeemFineBps:           e.RedeemFineBps,
		MinBidDeltaBps:          e.MinBidDeltaBps,
		BuyoutDiscountBps:       e.BuyoutDiscountBps,
		MinBidFine:              e.MinBidFine,
		RedeemDurationSec:       e.RedeemDurationSec,
		AuctionDurationSec:      e.AuctionDurationSec,
		ClaimDelaySec:           e.ClaimDelaySec,
		TimeframeSec:            e.TimeframeSec,
		Active:                  e.Active,
		Frozen:                  e.Frozen,
	}
	if err := c.nftConfigs.Update(cfg); err != nil {
		return nil, reject(ReasonInvalidConfig, "%v", err)
	}
	c.prices.TrackCollection(e.Collection)
	c.touchBytes([]byte(e.IdempotencyKey()))
	return nil, nil
}

// --- Yield vault handlers ---

func mapVaultErr(err error) error {
	switch {
	case errors.Is(err, state.ErrStrategyExists):
		return reject(ReasonStrategyExists, "%v", err)
	case errors.Is(err, state.ErrStrategyNotFound):
		return reject(ReasonStrategyNotFound, "%v", err)
	case errors.Is(err, state.ErrStrategyRevoked):
		return reject(ReasonStrategyRevoked, "%v", err)
	case errors.Is(err, state.ErrDebtRatioBudgetExceeded):
		return reject(ReasonDebtRatioBudgetExceeded, "%v", err)
	case errors.Is(err, state.ErrStrategyDebtOutstanding):
		return reject(ReasonStrategyDebtOutstanding, "%v", err)
	default:
		return reject(ReasonInvalidConfig, "%v", err)
	}
}

func (c *LendingCore) handleStrategyAdded(e *event.StrategyAdded) (*ledger.Batch, error) {
	if _, err := c.getReserve(e.Asset); err != nil {
		return nil, err
	}
	record, err := c.vault.AddStrategy(e.Asset, e.StrategyID, e.DebtRatioBps, e.MinDebtPerHarvest, e.MaxDebtPerHarvest)
	if err != nil {
		return nil, mapVaultErr(err)
	}
	c.touch(record)
	return nil, nil
}

func (c *LendingCore) handleStrategyParamsUpdated(e *event.StrategyParamsUpdated) (*ledger.Batch, error) {
	if err := c.vault.UpdateParams(e.StrategyID, e.DebtRatioBps, e.MinDebtPerHarvest, e.MaxDebtPerHarvest); err != nil {
		return nil, mapVaultErr(err)
	}
	if record, ok := c.vault.Get(e.StrategyID); ok {
		c.touch(record)
	}
	return nil, nil
}

func (c *LendingCore) handleStrategyRevoked(e *event.StrategyRevoked) (*ledger.Batch, error) {
	if err := c.vault.Revoke(e.StrategyID); err != nil {
		return nil, mapVaultErr(err)
	}
	record, ok := c.vault.Get(e.StrategyID)
	if ok {
		c.touch(record)
		if record.TotalDebt.Sign() == 0 {
			_ = c.vault.RemoveFromQueue(e.StrategyID)
		}
	}
	return nil, nil
}

func (c *LendingCore) handleStrategyReport(e *event.StrategyReport) (*ledger.Batch, error) {
	record, ok := c.vault.Get(e.StrategyID)
	if !ok {
		return nil, reject(ReasonStrategyNotFound, "strategy %s not registered", e.StrategyID)
	}
	if record.Asset != e.Asset {
		return nil, reject(ReasonInvalidConfig,
			"strategy %s serves reserve %s", e.StrategyID, record.Asset)
	}
	if e.TotalAssets == nil || e.TotalAssets.Sign() < 0 {
		return nil, reject(ReasonAmountOutOfBounds, "reported total assets must be >= 0")
	}
	res, err := c.getActiveReserve(e.Asset)
	if err != nil {
		return nil, err
	}
	res.RefreshIndices(e.Timestamp)

	result := c.vault.Harvest(record, e.TotalAssets, res.TVL())

	treasuryFee := new(big.Int)
	if result.Gain.Sign() > 0 {
		treasuryFee = fpmath.PercentMul(result.Gain, res.ReserveFactorBps)
	}

	// An advance never exceeds the cash on hand after the gain/fee split.
	if result.Advance.Sign() > 0 {
		capacity := new(big.Int).Add(res.AvailableLiquidity, result.Gain)
		capacity.Sub(capacity, treasuryFee)
		if result.Advance.Cmp(capacity) > 0 {
			excess := new(big.Int).Sub(result.Advance, capacity)
			record.TotalDebt.Sub(record.TotalDebt, excess)
			result.Advance.Set(capacity)
		}
	}

	batch, err := c.journalGen.GenerateHarvest(
		e.IdempotencyKey(), record.StrategyID, e.Asset, res.AssetID,
		result.Gain, result.Loss, treasuryFee, result.Advance, result.Withdraw, e.Timestamp)
	if err != nil {
		return nil, err
	}

	// Available: gain in, fee and advance out, withdrawal back in.
	res.AvailableLiquidity.Add(res.AvailableLiquidity, result.Gain)
	res.AvailableLiquidity.Sub(res.AvailableLiquidity, treasuryFee)
	res.AvailableLiquidity.Sub(res.AvailableLiquidity, result.Advance)
	res.AvailableLiquidity.Add(res.AvailableLiquidity, result.Withdraw)
	// Deployed mirrors recorded strategy debt.
	res.DeployedLiquidity.Add(res.DeployedLiquidity, result.Advance)
	res.DeployedLiquidity.Sub(res.DeployedLiquidity, result.Withdraw)
	res.DeployedLiquidity.Sub(res.DeployedLiquidity, result.Loss)

	res.UpdateRates()
	res.Version++
	c.touch(res)
	c.touch(record)
	c.recordHarvest(e.Asset, result, treasuryFee)
	c.recordReserveGauges(res)

	if record.Revoked && record.TotalDebt.Sign() == 0 {
		_ = c.vault.RemoveFromQueue(record.StrategyID)
	}

	return batch, nil
}

// --- Metrics helpers ---

func (c *LendingCore) recordApplied(eventType string, batch *ledger.Batch, elapsed time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
	c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(elapsed.Seconds())
	c.metrics.CoreSequence.Set(float64(c.sequence))
	if batch != nil {
		for _, j := range batch.Journals {
			c.metrics.CoreJournals.WithLabelValues(fmt.Sprintf("%d", j.JournalType)).Inc()
		}
	}
}

func (c *LendingCore) recordRejected(eventType, reason string) {
	if c.metrics == nil {
		return
	}
	c.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
}

func (c *LendingCore) recordLoanTransition(to state.LoanState, openDelta int) {
	if c.metrics == nil {
		return
	}
	c.metrics.LoanTransitions.WithLabelValues(to.String()).Inc()
	if openDelta != 0 {
		c.metrics.LoansOpen.Add(float64(openDelta))
	}
}

func (c *LendingCore) recordHarvest(asset string, result *state.HarvestResult, fee *big.Int) {
	if c.metrics == nil {
		return
	}
	c.metrics.HarvestGain.WithLabelValues(asset).Add(wadToFloat(result.Gain))
	c.metrics.HarvestLoss.WithLabelValues(asset).Add(wadToFloat(result.Loss))
	c.metrics.StrategyAdvances.WithLabelValues(asset).Add(wadToFloat(result.Advance))
	c.metrics.StrategyWithdraws.WithLabelValues(asset).Add(wadToFloat(result.Withdraw))
	c.metrics.TreasuryFees.WithLabelValues(asset).Add(wadToFloat(fee))
}

func (c *LendingCore) recordReserveGauges(res *state.Reserve) {
	if c.metrics == nil {
		return
	}
	c.metrics.ReserveUtilization.WithLabelValues(res.Asset).Set(rayToFloat(res.Utilization()))
	c.metrics.ReserveAvailable.WithLabelValues(res.Asset).Set(wadToFloat(res.AvailableLiquidity))
	c.metrics.ReserveTotalDebt.WithLabelValues(res.Asset).Set(wadToFloat(res.TotalDebt()))
	c.metrics.ReserveBorrowRate.WithLabelValues(res.Asset).Set(rayToFloat(res.CurrentBorrowRate))
	c.metrics.ReserveLiquidityRate.WithLabelValues(res.Asset).Set(rayToFloat(res.CurrentLiquidityRate))
}

func rayToFloat(v *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), new(big.Float).SetInt(fpmath.Ray)).Float64()
	return f
}

func wadToFloat(v *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), new(big.Float).SetInt(fpmath.Wad)).Float64()
	return f
}

// --- Snapshot & restore ---

// AssetPriceSnapshot and NFTPriceSnapshot flatten the price store for
// serialization.
type AssetPriceSnapshot struct {
	Asset string
	Price *big.Int
}

type NFTPriceSnapshot struct {
	Collection string
	TokenID    uint64
	Price      *big.Int
	UpdatedAt  int64
}

// Snapshot captures the full core state at a sequence boundary. Restoring
// it and replaying subsequent events reproduces the identical hash chain.
type Snapshot struct {
	Sequence  int64
	StateHash [32]byte

	Balances map[ledger.AccountKey]*big.Int

	Reserves   []*state.Reserve
	Loans      []*state.Loan
	NFTConfigs []*state.NFTConfig
	Strategies []*state.StrategyRecord

	AssetPrices        []AssetPriceSnapshot
	NFTPrices          []NFTPriceSnapshot
	TrackedCollections []string

	Partitions      map[string]int64
	IdempotencyKeys []string
}

// CreateSnapshot captures the current state. Must not run mid-transition.
func (c *LendingCore) CreateSnapshot() *Snapshot {
	if c.inTransition {
		panic("core: snapshot during transition")
	}

	snap := &Snapshot{
		Sequence:           c.sequence,
		StateHash:          c.hasher.GetPrevHash(),
		Balances:           c.balanceTracker.Snapshot(),
		Reserves:           c.reserves.All(),
		Loans:              c.loans.All(),
		NFTConfigs:         c.nftConfigs.All(),
		Strategies:         c.vault.AllRecords(),
		TrackedCollections: c.prices.TrackedCollections(),
		Partitions:         c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys:    c.idempotency.lru.GetAllKeys(),
	}
	for _, p := range c.prices.AssetPrices() {
		snap.AssetPrices = append(snap.AssetPrices, AssetPriceSnapshot{Asset: p.Asset, Price: p.Price})
	}
	for _, p := range c.prices.NFTPrices() {
		snap.NFTPrices = append(snap.NFTPrices, NFTPriceSnapshot{
			Collection: p.Collection, TokenID: p.TokenID, Price: p.Price, UpdatedAt: p.UpdatedAt,
		})
	}
	if c.metrics != nil {
		c.metrics.SnapshotTaken.Inc()
		c.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	return snap
}

// RestoreFromSnapshot rebuilds the core from a snapshot. Only valid on a
// freshly constructed core.
func (c *LendingCore) RestoreFromSnapshot(snap *Snapshot) error {
	if c.sequence != 0 {
		return fmt.Errorf("restore requires a fresh core, sequence is %d", c.sequence)
	}

	c.sequence = snap.Sequence
	c.hasher.SetPrevHash(snap.StateHash)
	c.journalGen.SetSequence(snap.Sequence + 1)

	for key, balance := range snap.Balances {
		c.balanceTracker.SetBalance(key, balance)
	}
	for _, r := range snap.Reserves {
		ledger.RegisterAsset(r.Asset)
		c.reserves.Restore(r)
	}
	for _, l := range snap.Loans {
		c.loans.Restore(l)
	}
	for _, cfg := range snap.NFTConfigs {
		c.nftConfigs.Restore(cfg)
	}
	for _, rec := range snap.Strategies {
		c.vault.Restore(rec)
	}
	for _, col := range snap.TrackedCollections {
		c.prices.TrackCollection(col)
	}
	for _, p := range snap.AssetPrices {
		if err := c.prices.SetAssetPrice(p.Asset, p.Price); err != nil {
			return fmt.Errorf("restore asset price %s: %w", p.Asset, err)
		}
	}
	for _, p := range snap.NFTPrices {
		if err := c.prices.SetNFTPrice(p.Collection, p.TokenID, p.Price, p.UpdatedAt); err != nil {
			return fmt.Errorf("restore nft price %s/%d: %w", p.Collection, p.TokenID, err)
		}
	}
	for partition, seq := range snap.Partitions {
		c.sequenceValidator.RestorePartition(partition, seq)
	}
	c.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)

	return nil
}

// WarmIdempotencyCache preloads recent composite keys, typically from the
// persistence tier on startup.
func (c *LendingCore) WarmIdempotencyCache(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
	if c.metrics != nil {
		c.metrics.DedupLRUSize.Set(float64(c.idempotency.lru.Size()))
	}
}

// Reserves exposes read access for the query and projection layers. Callers
// must treat the returned state as immutable.
func (c *LendingCore) Reserves() *state.ReserveRegistry { return c.reserves }

// Loans exposes the loan book for read paths.
func (c *LendingCore) Loans() *state.LoanBook { return c.loans }

// Balances exposes the balance tracker for read paths.
func (c *LendingCore) Balances() *ledger.BalanceTracker { return c.balanceTracker }

// Valuation exposes the valuation calculator for read paths.
func (c *LendingCore) Valuation() *state.ValuationCalculator { return c.valuation }

// Strategies exposes the vault allocator for read paths.
func (c *LendingCore) Strategies() *state.VaultAllocator { return c.vault }
