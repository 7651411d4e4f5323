package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"ChitFund/internal/core"
	"ChitFund/internal/ledger"
)

// EventRow is a row in chit.events
type EventRow struct {
	Sequence   int64
	EventID    string
	EventType  string
	Asset      string
	Payload    []byte // JSON-encoded notification
	OccurredAt int64
}

// JournalRow is a row in chit.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        int64
	JournalType   string
	OccurredAt    int64
}

// FundRow is a row in chit.funds, one per asset
type FundRow struct {
	Asset                   string
	Creator                 string
	ContributionAmount      int64
	CycleDurationSeconds    int64
	TotalCycles             int16
	CollateralRequirement   int64
	MaxParticipants         int16
	DisbursementSchedule    []byte // JSON array of payouts
	CurrentCycle            int16
	IsActive                bool
	LastDisbursementTime    int64
	Participants            []byte // JSON array of owner UUIDs
	Borrowed                []byte // JSON array of bools
	TotalContributionAmount int64
	CreatedAt               int64
}

// ParticipantRow is a row in chit.participants, one per owner
type ParticipantRow struct {
	Owner                string
	Asset                string
	HasBorrowed          bool
	EmergencyRequested   bool
	Contributions        []byte // JSON array of bools
	JoinTime             int64
	LastContributionTime int64
	TotalContributed     int64
	BorrowedCycle        sql.NullInt16
	CollateralReleased   bool
}

// BalanceRow is a row in chit.balances
type BalanceRow struct {
	Account  string
	Balance  int64
	Sequence int64
}

// Record is one committed operation flattened into its persistence rows
type Record struct {
	Event       EventRow
	Journals    []JournalRow
	Fund        *FundRow
	Participant *ParticipantRow
	Balances    []BalanceRow
}

// RecordFromOutput flattens an engine output into its persistence rows
func RecordFromOutput(out core.Output) Record {
	rec := Record{
		Event: EventRow{
			Sequence:   out.Envelope.Sequence,
			EventID:    out.Envelope.EventID.String(),
			EventType:  out.Envelope.EventType.String(),
			Asset:      out.Envelope.Asset,
			Payload:    marshalPayload(out.Event),
			OccurredAt: out.Envelope.Timestamp,
		},
	}

	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			rec.Journals = append(rec.Journals, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Asset:         out.Envelope.Asset,
				Amount:        j.Amount,
				JournalType:   j.JournalType.String(),
				OccurredAt:    j.Timestamp,
			})
		}
	}

	if out.Fund != nil {
		f := out.Fund
		rec.Fund = &FundRow{
			Asset:                   f.Config.Asset,
			Creator:                 f.Creator.String(),
			ContributionAmount:      f.Config.ContributionAmount,
			CycleDurationSeconds:    int64(f.Config.CycleDuration.Seconds()),
			TotalCycles:             int16(f.Config.TotalCycles),
			CollateralRequirement:   f.Config.CollateralRequirement,
			MaxParticipants:         int16(f.Config.MaxParticipants),
			DisbursementSchedule:    marshalPayload(f.Config.DisbursementSchedule),
			CurrentCycle:            int16(f.CurrentCycle),
			IsActive:                f.IsActive,
			LastDisbursementTime:    f.LastDisbursementTime,
			Participants:            marshalPayload(f.Participants),
			Borrowed:                marshalPayload(f.Borrowed),
			TotalContributionAmount: f.TotalContributionAmount,
			CreatedAt:               f.CreatedAt,
		}
	}

	if out.Participant != nil {
		p := out.Participant
		row := &ParticipantRow{
			Owner:                p.Owner.String(),
			Asset:                assetName(p.AssetID),
			HasBorrowed:          p.HasBorrowed,
			EmergencyRequested:   p.EmergencyRequested,
			Contributions:        marshalPayload(p.Contributions),
			JoinTime:             p.JoinTime,
			LastContributionTime: p.LastContributionTime,
			TotalContributed:     p.TotalContributed,
			CollateralReleased:   p.CollateralReleased,
		}
		if p.BorrowedCycle != nil {
			row.BorrowedCycle = sql.NullInt16{Int16: int16(*p.BorrowedCycle), Valid: true}
		}
		rec.Participant = row
	}

	for account, balance := range out.Balances {
		rec.Balances = append(rec.Balances, BalanceRow{
			Account:  account,
			Balance:  balance,
			Sequence: out.Envelope.Sequence,
		})
	}

	return rec
}

// Writer batch-writes records to Postgres. Event and journal inserts are
// idempotent on their primary keys so a replayed flush is harmless.
type Writer struct {
	db *sql.DB
}

func NewWriter(db *sql.DB) *Writer {
	return &Writer{db: db}
}

func (w *Writer) DB() *sql.DB {
	return w.db
}

// WriteEventBatch appends events to the log using a multi-row INSERT
func (w *Writer) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO chit.events
		(sequence, event_id, event_type, asset, payload, occurred_at)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*6)

	for i, e := range events {
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		args = append(args, e.Sequence, e.EventID, e.EventType, e.Asset, e.Payload, e.OccurredAt)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch appends journal entries using a multi-row INSERT
func (w *Writer) WriteJournalBatch(ctx context.Context, tx *sql.Tx, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO chit.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset, amount, journal_type, occurred_at)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*10)

	for i, j := range journals {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Asset, j.Amount,
			j.JournalType, j.OccurredAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// UpsertFund writes the current fund projection
func (w *Writer) UpsertFund(ctx context.Context, tx *sql.Tx, f *FundRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO chit.funds
			(asset, creator, contribution_amount, cycle_duration_seconds, total_cycles,
			 collateral_requirement, max_participants, disbursement_schedule,
			 current_cycle, is_active, last_disbursement_time,
			 participants, borrowed, total_contribution_amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (asset) DO UPDATE SET
			current_cycle = EXCLUDED.current_cycle,
			is_active = EXCLUDED.is_active,
			last_disbursement_time = EXCLUDED.last_disbursement_time,
			participants = EXCLUDED.participants,
			borrowed = EXCLUDED.borrowed,
			total_contribution_amount = EXCLUDED.total_contribution_amount`,
		f.Asset, f.Creator, f.ContributionAmount, f.CycleDurationSeconds, f.TotalCycles,
		f.CollateralRequirement, f.MaxParticipants, f.DisbursementSchedule,
		f.CurrentCycle, f.IsActive, f.LastDisbursementTime,
		f.Participants, f.Borrowed, f.TotalContributionAmount, f.CreatedAt,
	)
	return err
}

// UpsertParticipant writes the current participant projection
func (w *Writer) UpsertParticipant(ctx context.Context, tx *sql.Tx, p *ParticipantRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO chit.participants
			(owner, asset, has_borrowed, emergency_requested, contributions,
			 join_time, last_contribution_time, total_contributed, borrowed_cycle, collateral_released)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (owner) DO UPDATE SET
			has_borrowed = EXCLUDED.has_borrowed,
			emergency_requested = EXCLUDED.emergency_requested,
			contributions = EXCLUDED.contributions,
			last_contribution_time = EXCLUDED.last_contribution_time,
			total_contributed = EXCLUDED.total_contributed,
			borrowed_cycle = EXCLUDED.borrowed_cycle,
			collateral_released = EXCLUDED.collateral_released`,
		p.Owner, p.Asset, p.HasBorrowed, p.EmergencyRequested, p.Contributions,
		p.JoinTime, p.LastContributionTime, p.TotalContributed, p.BorrowedCycle, p.CollateralReleased,
	)
	return err
}

// UpsertBalances writes current account balances, newest sequence wins
func (w *Writer) UpsertBalances(ctx context.Context, tx *sql.Tx, balances []BalanceRow) error {
	for _, b := range balances {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chit.balances (account, balance, sequence)
			VALUES ($1, $2, $3)
			ON CONFLICT (account) DO UPDATE SET
				balance = EXCLUDED.balance,
				sequence = EXCLUDED.sequence
			WHERE chit.balances.sequence < EXCLUDED.sequence`,
			b.Account, b.Balance, b.Sequence,
		); err != nil {
			return err
		}
	}
	return nil
}

func marshalPayload(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		log.Warn().Err(err).Msg("failed to marshal payload")
		return []byte("{}")
	}
	return data
}

func assetName(id ledger.AssetID) string {
	name, _ := ledger.GetAssetName(id)
	return name
}
