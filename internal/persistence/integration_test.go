package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ChitFund/internal/core"
	"ChitFund/internal/query"
	"ChitFund/internal/state"
	"ChitFund/internal/testutil"
)

// Round-trips committed operations through Postgres: writer persists the
// outputs, loader restores them, and the restored state must match what
// the engine committed. Requires a reachable test database; see
// testutil.TestPostgresDSN for the connection defaults and overrides.
func TestWriteAndRestoreRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := NewMigrator(db, "../../migrations").Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	persistChan := make(chan core.Output, 16)
	engine := core.NewEngine(state.Limits{
		MaxCycles:        12,
		MaxParticipants:  12,
		MinCycleDuration: time.Hour,
	}, core.SystemClock{}, persistChan, nil, nil, zerolog.Nop())

	creator := uuid.New()
	owner := uuid.New()

	if _, err := engine.CreditAccount(owner, "ITGA", 500); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := engine.InitializeFund(creator, state.Config{
		Asset:                 "ITGA",
		ContributionAmount:    100,
		CycleDuration:         time.Hour,
		TotalCycles:           3,
		CollateralRequirement: 50,
		MaxParticipants:       3,
		DisbursementSchedule:  []int64{300, 300, 300},
	}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := engine.Join(owner, "ITGA"); err != nil {
		t.Fatalf("join: %v", err)
	}
	close(persistChan)

	writer := NewWriter(db)
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	for out := range persistChan {
		rec := RecordFromOutput(out)
		if err := writer.WriteEventBatch(ctx, tx, []EventRow{rec.Event}); err != nil {
			t.Fatalf("write events: %v", err)
		}
		if err := writer.WriteJournalBatch(ctx, tx, rec.Journals); err != nil {
			t.Fatalf("write journals: %v", err)
		}
		if rec.Fund != nil {
			if err := writer.UpsertFund(ctx, tx, rec.Fund); err != nil {
				t.Fatalf("upsert fund: %v", err)
			}
		}
		if rec.Participant != nil {
			if err := writer.UpsertParticipant(ctx, tx, rec.Participant); err != nil {
				t.Fatalf("upsert participant: %v", err)
			}
		}
		if err := writer.UpsertBalances(ctx, tx, rec.Balances); err != nil {
			t.Fatalf("upsert balances: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	restored, err := NewLoader(db).Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if restored.Sequence != 3 {
		t.Errorf("restored sequence = %d, want 3", restored.Sequence)
	}
	if len(restored.Funds) != 1 {
		t.Fatalf("restored %d funds, want 1", len(restored.Funds))
	}
	fund := restored.Funds[0]
	if fund.Config.Asset != "ITGA" || !fund.IsActive || fund.ParticipantCount() != 1 {
		t.Errorf("restored fund = %+v, want active ITGA with 1 participant", fund)
	}
	if fund.TotalContributionAmount != 50 {
		t.Errorf("restored fund total = %d, want 50", fund.TotalContributionAmount)
	}
	if len(restored.Participants) != 1 || restored.Participants[0].Owner != owner {
		t.Fatalf("restored participants = %+v, want owner %s", restored.Participants, owner)
	}

	// Fresh engine restored from the projections serves the same balances
	replica := core.NewEngine(state.Limits{
		MaxCycles:        12,
		MaxParticipants:  12,
		MinCycleDuration: time.Hour,
	}, core.SystemClock{}, nil, nil, nil, zerolog.Nop())
	if err := replica.Restore(restored.Sequence, restored.Funds, restored.Participants, restored.Balances); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := replica.Balance(owner, "ITGA"); got != 450 {
		t.Errorf("restored balance = %d, want 450", got)
	}

	// The query service reads the same projections back with the watermark
	queries := query.NewService(db)

	fundRow, err := queries.GetFund(ctx, "ITGA")
	if err != nil {
		t.Fatalf("get fund projection: %v", err)
	}
	if fundRow.AsOfSequence != 3 || !fundRow.IsActive || fundRow.TotalContributionAmount != 50 {
		t.Errorf("fund projection = %+v, want active, total 50, as_of 3", fundRow)
	}

	participantRow, err := queries.GetParticipant(ctx, owner)
	if err != nil {
		t.Fatalf("get participant projection: %v", err)
	}
	if participantRow.Owner != owner.String() || participantRow.HasBorrowed {
		t.Errorf("participant projection = %+v, want owner %s, not borrowed", participantRow, owner)
	}

	page, err := queries.ListEvents(ctx, "ITGA", "", 0, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(page.Events) != 3 {
		t.Errorf("listed %d ITGA events, want 3", len(page.Events))
	}

	joins, err := queries.ListEvents(ctx, "ITGA", "ParticipantJoined", 0, 10)
	if err != nil {
		t.Fatalf("list joins: %v", err)
	}
	if len(joins.Events) != 1 || joins.Events[0].EventType != "ParticipantJoined" {
		t.Errorf("type-filtered events = %+v, want one ParticipantJoined", joins.Events)
	}
}

// Outputs still buffered on the persist channel at shutdown must reach
// Postgres: cancelling the worker's context is not permission to drop them,
// only closing the channel ends the drain.
func TestWorkerPersistsBufferedOutputsOnShutdown(t *testing.T) {
	testutil.RequireIntegration(t)

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := NewMigrator(db, "../../migrations").Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	persistChan := make(chan core.Output, 16)
	engine := core.NewEngine(state.Limits{
		MaxCycles:        12,
		MaxParticipants:  12,
		MinCycleDuration: time.Hour,
	}, core.SystemClock{}, persistChan, nil, nil, zerolog.Nop())

	owner := uuid.New()
	if _, err := engine.CreditAccount(owner, "ITGB", 500); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := engine.InitializeFund(uuid.New(), state.Config{
		Asset:                 "ITGB",
		ContributionAmount:    100,
		CycleDuration:         time.Hour,
		TotalCycles:           3,
		CollateralRequirement: 50,
		MaxParticipants:       3,
		DisbursementSchedule:  []int64{300, 300, 300},
	}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := engine.Join(owner, "ITGB"); err != nil {
		t.Fatalf("join: %v", err)
	}

	// Large batch size and long timeout: nothing has flushed when the
	// shutdown sequence starts, all three outputs are still buffered.
	worker := NewWorker(db, persistChan, 100, time.Hour, nil, zerolog.Nop())
	workerCtx, cancel := context.WithCancel(ctx)
	runErr := make(chan error, 1)
	go func() {
		runErr <- worker.Run(workerCtx)
	}()

	cancel()
	close(persistChan)

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("worker run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not finish draining")
	}

	var events int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chit.events WHERE asset = 'ITGB'`,
	).Scan(&events); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if events != 3 {
		t.Errorf("persisted %d ITGB events, want 3", events)
	}

	var balance int64
	if err := db.QueryRowContext(ctx,
		`SELECT balance FROM chit.balances WHERE account = $1`,
		"user:"+owner.String()+":cash:ITGB",
	).Scan(&balance); err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if balance != 450 {
		t.Errorf("persisted balance = %d, want 450", balance)
	}
}
