package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ChitFund/internal/event"
	"ChitFund/internal/ledger"
	"ChitFund/internal/observability"
	"ChitFund/internal/state"
)

// Clock provides the operation timestamp. The engine reads it exactly once
// per operation so every effect of that operation shares one time.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Output carries everything a committed operation produced: the sequenced
// envelope, the typed notification, the journal batch (nil when no value
// moved), and post-commit snapshots for projections.
type Output struct {
	Envelope    *event.Envelope
	Event       event.Event
	Batch       *ledger.Batch
	Fund        *state.Fund
	Participant *state.Participant
	Balances    map[string]int64
}

// Engine executes fund operations atomically. All validations run before
// the first state mutation; the ledger transfer is the last fallible step,
// so a returned error means nothing changed. Operations on the same engine
// are serialized by the mutex, standing in for the host commit ordering the
// design assumes.
type Engine struct {
	mu sync.Mutex

	limits       state.Limits
	funds        *state.FundRegistry
	participants *state.ParticipantRegistry
	vault        *ledger.Vault
	clock        Clock
	sequence     int64

	persistChan chan<- Output
	publishChan chan<- Output

	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewEngine(
	limits state.Limits,
	clock Clock,
	persistChan, publishChan chan<- Output,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Engine {
	tracker := ledger.NewBalanceTracker()
	return &Engine{
		limits:       limits,
		funds:        state.NewFundRegistry(),
		participants: state.NewParticipantRegistry(),
		vault:        ledger.NewVault(tracker),
		clock:        clock,
		sequence:     1,
		persistChan:  persistChan,
		publishChan:  publishChan,
		metrics:      metrics,
		logger:       logger.With().Str("component", "engine").Logger(),
	}
}

// InitializeFund validates the configuration and creates the fund record.
// This is the only entry point that constructs a Fund.
func (e *Engine) InitializeFund(creator uuid.UUID, cfg state.Config) (*Output, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()
	now := e.clock.Now().Unix()

	if err := cfg.Validate(e.limits); err != nil {
		return nil, e.reject("initialize", "config", err)
	}

	assetID := ledger.RegisterAsset(cfg.Asset)
	fund := state.NewFund(creator, assetID, cfg, now)
	if err := e.funds.Create(fund); err != nil {
		return nil, e.reject("initialize", "exists", err)
	}

	out := e.commit("initialize", start, now, cfg.Asset, &event.FundInitialized{
		Asset:              cfg.Asset,
		Creator:            creator,
		ContributionAmount: cfg.ContributionAmount,
		TotalCycles:        cfg.TotalCycles,
		MaxParticipants:    cfg.MaxParticipants,
		CollateralAmount:   cfg.CollateralRequirement,
	}, nil, fund, nil)

	if e.metrics != nil {
		e.metrics.ActiveFunds.Inc()
	}
	return out, nil
}

// Join enrolls a caller into the fund for an asset, posting collateral
func (e *Engine) Join(owner uuid.UUID, asset string) (*Output, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()
	now := e.clock.Now().Unix()

	fund, err := e.lookupFund(asset)
	if err != nil {
		return nil, e.reject("join", "not_found", err)
	}
	if !fund.IsActive {
		return nil, e.reject("join", "state", ErrFundInactive)
	}
	if fund.IsFull() {
		return nil, e.reject("join", "full", fmt.Errorf("%w: %d", ErrMaxParticipantsReached, fund.Config.MaxParticipants))
	}

	participant := state.NewParticipant(owner, fund.AssetID, fund.Config.TotalCycles, now)
	if err := e.participants.Create(participant); err != nil {
		return nil, e.reject("join", "exists", err)
	}

	eventID := uuid.New()
	journal, err := e.vault.Transfer(
		participant.Account, fund.CollateralPool, ledger.AuthorityOwner,
		fund.AssetID, fund.Config.CollateralRequirement,
		ledger.JournalTypeCollateralDeposit, eventID.String(), e.sequence, now,
	)
	if err != nil {
		// Unwind the exclusive-create so a funded retry can succeed.
		e.participants.Delete(owner)
		return nil, e.reject("join", "funds", err)
	}

	fund.Enroll(owner)
	fund.TotalContributionAmount += fund.Config.CollateralRequirement

	out := e.commitWithID("join", start, now, asset, eventID, &event.ParticipantJoined{
		Asset:            asset,
		Owner:            owner,
		CollateralAmount: fund.Config.CollateralRequirement,
		JoinTime:         now,
		ParticipantCount: fund.ParticipantCount(),
	}, e.batchFor(eventID, now, journal), fund, participant)

	return out, nil
}

// Contribute records the caller's contribution for the current cycle
func (e *Engine) Contribute(owner uuid.UUID, asset string) (*Output, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()
	now := e.clock.Now().Unix()

	fund, err := e.lookupFund(asset)
	if err != nil {
		return nil, e.reject("contribute", "not_found", err)
	}
	if !fund.IsActive {
		return nil, e.reject("contribute", "state", ErrFundInactive)
	}

	participant, err := e.participants.Get(owner)
	if err != nil {
		return nil, e.reject("contribute", "not_found", err)
	}
	if participant.AssetID != fund.AssetID {
		return nil, e.reject("contribute", "consistency",
			fmt.Errorf("%w: registered account asset does not match fund", ErrWrongFund))
	}
	cycle := fund.CurrentCycle
	if participant.HasContributed(cycle) {
		return nil, e.reject("contribute", "idempotency",
			fmt.Errorf("%w: cycle %d", ErrContributionAlreadyMade, cycle))
	}

	eventID := uuid.New()
	journal, err := e.vault.Transfer(
		participant.Account, fund.ContributionPool, ledger.AuthorityOwner,
		fund.AssetID, fund.Config.ContributionAmount,
		ledger.JournalTypeContribution, eventID.String(), e.sequence, now,
	)
	if err != nil {
		return nil, e.reject("contribute", "funds", err)
	}

	participant.RecordContribution(cycle, fund.Config.ContributionAmount, now)
	fund.TotalContributionAmount += fund.Config.ContributionAmount

	out := e.commitWithID("contribute", start, now, asset, eventID, &event.ContributionMade{
		Asset:  asset,
		Owner:  owner,
		Cycle:  cycle,
		Amount: fund.Config.ContributionAmount,
		Time:   now,
	}, e.batchFor(eventID, now, journal), fund, participant)

	return out, nil
}

// Disburse selects the cycle's borrower, pays the scheduled amount from the
// contribution pool, and advances the cycle. The selection index is the
// operation timestamp mod the eligible count; a caller who controls
// submission timing can predict and steer it, so deployments that need
// fairness should put an ordering service in front.
func (e *Engine) Disburse(caller uuid.UUID, asset string) (*Output, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()
	now := e.clock.Now().Unix()

	fund, err := e.lookupFund(asset)
	if err != nil {
		return nil, e.reject("disburse", "not_found", err)
	}
	if !fund.IsActive {
		return nil, e.reject("disburse", "state", ErrFundInactive)
	}
	if now-fund.LastDisbursementTime < int64(fund.Config.CycleDuration.Seconds()) {
		return nil, e.reject("disburse", "state", fmt.Errorf("%w: next window at %d",
			ErrCycleNotComplete, fund.LastDisbursementTime+int64(fund.Config.CycleDuration.Seconds())))
	}
	if fund.ParticipantCount() == 0 {
		return nil, e.reject("disburse", "consistency", ErrNoParticipants)
	}

	eligible := fund.EligibleBorrowers()
	if len(eligible) == 0 {
		return nil, e.reject("disburse", "consistency", ErrNoEligibleBorrowers)
	}

	selected := eligible[now%int64(len(eligible))]
	if caller != selected {
		return nil, e.reject("disburse", "auth",
			fmt.Errorf("%w: selected %s", ErrBorrowerMismatch, selected))
	}

	participant, err := e.participants.Get(selected)
	if err != nil {
		return nil, e.reject("disburse", "not_found", err)
	}
	if participant.HasBorrowed {
		// Defense in depth; eligibility scan should have excluded them.
		return nil, e.reject("disburse", "idempotency", ErrAlreadyBorrowed)
	}

	cycle := fund.CurrentCycle
	amount := fund.Config.DisbursementSchedule[cycle]

	eventID := uuid.New()
	var batch *ledger.Batch
	if amount > 0 {
		journal, err := e.vault.Transfer(
			fund.ContributionPool, participant.Account, ledger.AuthorityVault,
			fund.AssetID, amount,
			ledger.JournalTypeDisbursement, eventID.String(), e.sequence, now,
		)
		if err != nil {
			return nil, e.reject("disburse", "funds", err)
		}
		batch = e.batchFor(eventID, now, journal)
	}

	fund.MarkBorrowed(selected)
	participant.RecordBorrow(cycle)
	fund.AdvanceCycle(now)
	fund.TotalContributionAmount -= amount
	participant.TotalContributed -= amount

	out := e.commitWithID("disburse", start, now, asset, eventID, &event.FundsDisbursed{
		Asset:      asset,
		Borrower:   selected,
		Amount:     amount,
		Cycle:      cycle,
		Time:       now,
		FundClosed: !fund.IsActive,
	}, batch, fund, participant)

	if !fund.IsActive && e.metrics != nil {
		e.metrics.ActiveFunds.Dec()
	}
	return out, nil
}

// Withdraw releases posted collateral after the fund has concluded
func (e *Engine) Withdraw(owner uuid.UUID, asset string) (*Output, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()
	now := e.clock.Now().Unix()

	fund, err := e.lookupFund(asset)
	if err != nil {
		return nil, e.reject("withdraw", "not_found", err)
	}
	if fund.IsActive {
		return nil, e.reject("withdraw", "state", ErrFundActive)
	}

	participant, err := e.participants.Get(owner)
	if err != nil {
		return nil, e.reject("withdraw", "not_found", err)
	}
	if participant.AssetID != fund.AssetID {
		return nil, e.reject("withdraw", "consistency",
			fmt.Errorf("%w: registered account asset does not match fund", ErrWrongFund))
	}
	if !participant.HasBorrowed {
		return nil, e.reject("withdraw", "state", ErrWithdrawBeforeBorrowing)
	}
	if participant.CollateralReleased {
		return nil, e.reject("withdraw", "idempotency", ErrCollateralAlreadyWithdrawn)
	}

	amount := fund.Config.CollateralRequirement
	eventID := uuid.New()
	journal, err := e.vault.Transfer(
		fund.CollateralPool, participant.Account, ledger.AuthorityVault,
		fund.AssetID, amount,
		ledger.JournalTypeCollateralRelease, eventID.String(), e.sequence, now,
	)
	if err != nil {
		return nil, e.reject("withdraw", "funds", err)
	}

	participant.CollateralReleased = true
	fund.TotalContributionAmount -= amount
	participant.TotalContributed -= amount

	out := e.commitWithID("withdraw", start, now, asset, eventID, &event.CollateralWithdrawn{
		Asset:  asset,
		Owner:  owner,
		Amount: amount,
		Time:   now,
	}, e.batchFor(eventID, now, journal), fund, participant)

	return out, nil
}

// CreditAccount injects an external deposit into a user's asset account.
// Admin surface; this is how value enters the system.
func (e *Engine) CreditAccount(owner uuid.UUID, asset string, amount int64) (*Output, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()
	now := e.clock.Now().Unix()

	assetID := ledger.RegisterAsset(asset)
	account := ledger.NewUserAccountKey(owner, assetID)
	reserve := ledger.NewExternalReserveKey(assetID)

	eventID := uuid.New()
	journal, err := e.vault.Transfer(
		reserve, account, ledger.AuthorityOwner,
		assetID, amount,
		ledger.JournalTypeExternalDeposit, eventID.String(), e.sequence, now,
	)
	if err != nil {
		return nil, e.reject("credit", "invalid", err)
	}

	out := e.commitWithID("credit", start, now, asset, eventID, &event.AccountCredited{
		Asset:  asset,
		Owner:  owner,
		Amount: amount,
		Time:   now,
	}, e.batchFor(eventID, now, journal), nil, nil)

	return out, nil
}

// FundStatus returns a snapshot of the fund for an asset
func (e *Engine) FundStatus(asset string) (state.Fund, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fund, err := e.lookupFund(asset)
	if err != nil {
		return state.Fund{}, err
	}
	return fund.Snapshot(), nil
}

// ParticipantStatus returns a snapshot of an owner's participant record
func (e *Engine) ParticipantStatus(owner uuid.UUID) (state.Participant, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	participant, err := e.participants.Get(owner)
	if err != nil {
		return state.Participant{}, err
	}
	return participant.Snapshot(), nil
}

// Balance returns a user's asset account balance
func (e *Engine) Balance(owner uuid.UUID, asset string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	assetID, ok := ledger.GetAssetID(asset)
	if !ok {
		return 0
	}
	return e.vault.Tracker().GetUserBalance(owner, assetID)
}

// PoolBalances returns the fund's contribution and collateral pool balances
func (e *Engine) PoolBalances(asset string) (contribution, collateral int64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fund, err := e.lookupFund(asset)
	if err != nil {
		return 0, 0, err
	}
	tracker := e.vault.Tracker()
	return tracker.GetPoolBalance(ledger.SubTypeContributionPool, fund.AssetID),
		tracker.GetPoolBalance(ledger.SubTypeCollateralPool, fund.AssetID), nil
}

// Sequence returns the next commit sequence to be assigned
func (e *Engine) Sequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// Restore loads persisted state into the engine before it serves traffic
func (e *Engine) Restore(sequence int64, funds []*state.Fund, participants []*state.Participant, balances map[ledger.AccountKey]int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if sequence >= e.sequence {
		e.sequence = sequence + 1
	}
	for _, f := range funds {
		if err := e.funds.Create(f); err != nil {
			return fmt.Errorf("restore fund: %w", err)
		}
		if f.IsActive && e.metrics != nil {
			e.metrics.ActiveFunds.Inc()
		}
	}
	for _, p := range participants {
		if err := e.participants.Create(p); err != nil {
			return fmt.Errorf("restore participant: %w", err)
		}
	}
	for key, balance := range balances {
		e.vault.Tracker().SetBalance(key, balance)
	}
	// Only the external reserve may run negative; anything else negative
	// means the projections are corrupt and must not serve traffic.
	for key := range balances {
		if key.Scope == ledger.AccountScopeExternal {
			continue
		}
		if err := e.vault.Tracker().ValidateNonNegative(key); err != nil {
			return fmt.Errorf("restore balances: %w", err)
		}
	}
	return nil
}

func (e *Engine) lookupFund(asset string) (*state.Fund, error) {
	assetID, ok := ledger.GetAssetID(asset)
	if !ok {
		return nil, fmt.Errorf("%w: %s", state.ErrFundNotFound, asset)
	}
	return e.funds.Get(assetID)
}

func (e *Engine) batchFor(eventID uuid.UUID, now int64, journal ledger.Journal) *ledger.Batch {
	journal.BatchID = journal.JournalID // single-leg batch
	return &ledger.Batch{
		BatchID:   journal.BatchID,
		EventRef:  eventID.String(),
		Sequence:  e.sequence,
		Timestamp: now,
		Journals:  []ledger.Journal{journal},
	}
}

func (e *Engine) commit(op string, start time.Time, now int64, asset string,
	evt event.Event, batch *ledger.Batch, fund *state.Fund, participant *state.Participant) *Output {
	return e.commitWithID(op, start, now, asset, uuid.New(), evt, batch, fund, participant)
}

// commitWithID seals a successful operation: assigns the sequence, builds
// the envelope, snapshots affected records, and emits to the persistence
// channel (blocking, no event may be lost) and the publish channel
// (non-blocking, dropped notifications are re-derivable from the log).
func (e *Engine) commitWithID(op string, start time.Time, now int64, asset string, eventID uuid.UUID,
	evt event.Event, batch *ledger.Batch, fund *state.Fund, participant *state.Participant) *Output {

	envelope := &event.Envelope{
		Sequence:  e.sequence,
		EventID:   eventID,
		EventType: evt.EventType(),
		Asset:     asset,
		Timestamp: now,
	}
	e.sequence++

	out := Output{
		Envelope: envelope,
		Event:    evt,
		Batch:    batch,
	}
	if fund != nil {
		snap := fund.Snapshot()
		out.Fund = &snap
	}
	if participant != nil {
		snap := participant.Snapshot()
		out.Participant = &snap
	}
	if batch != nil {
		out.Balances = make(map[string]int64, 2)
		for _, j := range batch.Journals {
			out.Balances[j.DebitAccount.AccountPath()] = e.vault.Tracker().GetBalance(j.DebitAccount)
			out.Balances[j.CreditAccount.AccountPath()] = e.vault.Tracker().GetBalance(j.CreditAccount)
		}
	}

	if e.persistChan != nil {
		e.persistChan <- out
	}
	if e.publishChan != nil {
		select {
		case e.publishChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}

	e.logger.Info().
		Str("op", op).
		Int64("sequence", envelope.Sequence).
		Str("asset", asset).
		Str("event_type", envelope.EventType.String()).
		Msg("operation committed")

	if e.metrics != nil {
		e.metrics.OpsApplied.WithLabelValues(op).Inc()
		e.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		e.metrics.CoreSequence.Set(float64(e.sequence))
		if fund != nil {
			e.metrics.PooledValue.WithLabelValues(asset).Set(float64(fund.TotalContributionAmount))
		}
	}

	return &out
}

func (e *Engine) reject(op, reason string, err error) error {
	if e.metrics != nil {
		e.metrics.OpsRejected.WithLabelValues(op, reason).Inc()
	}
	e.logger.Debug().Str("op", op).Str("reason", reason).Err(err).Msg("operation rejected")
	return err
}
