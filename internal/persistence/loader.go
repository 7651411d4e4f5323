package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ChitFund/internal/ledger"
	"ChitFund/internal/state"
)

// Loader restores engine state from the projection tables at startup.
// Funds are loaded before balances so every account path's asset is
// registered before parsing.
type Loader struct {
	db *sql.DB
}

func NewLoader(db *sql.DB) *Loader {
	return &Loader{db: db}
}

// Restored is the full engine state recovered from Postgres
type Restored struct {
	Sequence     int64
	Funds        []*state.Fund
	Participants []*state.Participant
	Balances     map[ledger.AccountKey]int64
}

func (l *Loader) Load(ctx context.Context) (*Restored, error) {
	restored := &Restored{Balances: make(map[ledger.AccountKey]int64)}

	if err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM chit.events`,
	).Scan(&restored.Sequence); err != nil {
		return nil, fmt.Errorf("load sequence: %w", err)
	}

	funds, err := l.loadFunds(ctx)
	if err != nil {
		return nil, fmt.Errorf("load funds: %w", err)
	}
	restored.Funds = funds

	participants, err := l.loadParticipants(ctx)
	if err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}
	restored.Participants = participants

	if err := l.loadBalances(ctx, restored.Balances); err != nil {
		return nil, fmt.Errorf("load balances: %w", err)
	}

	return restored, nil
}

func (l *Loader) loadFunds(ctx context.Context) ([]*state.Fund, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT asset, creator, contribution_amount, cycle_duration_seconds, total_cycles,
		       collateral_requirement, max_participants, disbursement_schedule,
		       current_cycle, is_active, last_disbursement_time,
		       participants, borrowed, total_contribution_amount, created_at
		FROM chit.funds`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var funds []*state.Fund
	for rows.Next() {
		var row FundRow
		if err := rows.Scan(
			&row.Asset, &row.Creator, &row.ContributionAmount, &row.CycleDurationSeconds,
			&row.TotalCycles, &row.CollateralRequirement, &row.MaxParticipants,
			&row.DisbursementSchedule, &row.CurrentCycle, &row.IsActive,
			&row.LastDisbursementTime, &row.Participants, &row.Borrowed,
			&row.TotalContributionAmount, &row.CreatedAt,
		); err != nil {
			return nil, err
		}

		fund, err := fundFromRow(&row)
		if err != nil {
			return nil, fmt.Errorf("fund %s: %w", row.Asset, err)
		}
		funds = append(funds, fund)
	}
	return funds, rows.Err()
}

func fundFromRow(row *FundRow) (*state.Fund, error) {
	creator, err := uuid.Parse(row.Creator)
	if err != nil {
		return nil, fmt.Errorf("bad creator: %w", err)
	}

	var schedule []int64
	if err := json.Unmarshal(row.DisbursementSchedule, &schedule); err != nil {
		return nil, fmt.Errorf("bad schedule: %w", err)
	}
	var roster []uuid.UUID
	if err := json.Unmarshal(row.Participants, &roster); err != nil {
		return nil, fmt.Errorf("bad roster: %w", err)
	}
	var borrowed []bool
	if err := json.Unmarshal(row.Borrowed, &borrowed); err != nil {
		return nil, fmt.Errorf("bad borrow bitmap: %w", err)
	}
	if len(borrowed) != len(roster) {
		return nil, fmt.Errorf("roster and borrow bitmap length mismatch: %d vs %d", len(roster), len(borrowed))
	}

	assetID := ledger.RegisterAsset(row.Asset)
	fund := state.NewFund(creator, assetID, state.Config{
		Asset:                 row.Asset,
		ContributionAmount:    row.ContributionAmount,
		CycleDuration:         time.Duration(row.CycleDurationSeconds) * time.Second,
		TotalCycles:           uint8(row.TotalCycles),
		CollateralRequirement: row.CollateralRequirement,
		MaxParticipants:       uint8(row.MaxParticipants),
		DisbursementSchedule:  schedule,
	}, row.CreatedAt)

	fund.CurrentCycle = uint8(row.CurrentCycle)
	fund.IsActive = row.IsActive
	fund.LastDisbursementTime = row.LastDisbursementTime
	fund.Participants = roster
	fund.Borrowed = borrowed
	fund.TotalContributionAmount = row.TotalContributionAmount
	return fund, nil
}

func (l *Loader) loadParticipants(ctx context.Context) ([]*state.Participant, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT owner, asset, has_borrowed, emergency_requested, contributions,
		       join_time, last_contribution_time, total_contributed, borrowed_cycle, collateral_released
		FROM chit.participants`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []*state.Participant
	for rows.Next() {
		var row ParticipantRow
		if err := rows.Scan(
			&row.Owner, &row.Asset, &row.HasBorrowed, &row.EmergencyRequested,
			&row.Contributions, &row.JoinTime, &row.LastContributionTime,
			&row.TotalContributed, &row.BorrowedCycle, &row.CollateralReleased,
		); err != nil {
			return nil, err
		}

		participant, err := participantFromRow(&row)
		if err != nil {
			return nil, fmt.Errorf("participant %s: %w", row.Owner, err)
		}
		participants = append(participants, participant)
	}
	return participants, rows.Err()
}

func participantFromRow(row *ParticipantRow) (*state.Participant, error) {
	owner, err := uuid.Parse(row.Owner)
	if err != nil {
		return nil, fmt.Errorf("bad owner: %w", err)
	}

	var contributions []bool
	if err := json.Unmarshal(row.Contributions, &contributions); err != nil {
		return nil, fmt.Errorf("bad contribution bitmap: %w", err)
	}

	assetID := ledger.RegisterAsset(row.Asset)
	participant := state.NewParticipant(owner, assetID, uint8(len(contributions)), row.JoinTime)
	participant.HasBorrowed = row.HasBorrowed
	participant.EmergencyRequested = row.EmergencyRequested
	participant.Contributions = contributions
	participant.LastContributionTime = row.LastContributionTime
	participant.TotalContributed = row.TotalContributed
	participant.CollateralReleased = row.CollateralReleased
	if row.BorrowedCycle.Valid {
		c := uint8(row.BorrowedCycle.Int16)
		participant.BorrowedCycle = &c
	}
	return participant, nil
}

func (l *Loader) loadBalances(ctx context.Context, balances map[ledger.AccountKey]int64) error {
	rows, err := l.db.QueryContext(ctx, `SELECT account, balance FROM chit.balances`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var account string
		var balance int64
		if err := rows.Scan(&account, &balance); err != nil {
			return err
		}

		// Accounts can exist for assets with no fund (credited, never
		// joined), so register the path's asset before parsing.
		if idx := strings.LastIndexByte(account, ':'); idx >= 0 && idx < len(account)-1 {
			ledger.RegisterAsset(account[idx+1:])
		}

		key, err := ledger.ParseAccountPath(account)
		if err != nil {
			return fmt.Errorf("balance row: %w", err)
		}
		balances[key] = balance
	}
	return rows.Err()
}
