package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a projected row does not exist
var ErrNotFound = errors.New("not found")

// Service provides read-only access to the projection tables. Responses
// include as_of_sequence so callers can reason about freshness relative to
// the engine's commit sequence.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// GetFund returns the projected fund row for an asset
func (s *Service) GetFund(ctx context.Context, asset string) (*FundResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var f FundResponse
	f.AsOfSequence = asOfSeq
	err = s.db.QueryRowContext(ctx, `
		SELECT asset, creator, contribution_amount, cycle_duration_seconds, total_cycles,
		       collateral_requirement, max_participants, disbursement_schedule,
		       current_cycle, is_active, last_disbursement_time,
		       participants, borrowed, total_contribution_amount, created_at
		FROM chit.funds
		WHERE asset = $1
	`, asset).Scan(
		&f.Asset, &f.Creator, &f.ContributionAmount, &f.CycleDurationSeconds,
		&f.TotalCycles, &f.CollateralRequirement, &f.MaxParticipants,
		&f.DisbursementSchedule, &f.CurrentCycle, &f.IsActive,
		&f.LastDisbursementTime, &f.Participants, &f.Borrowed,
		&f.TotalContributionAmount, &f.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: fund %s", ErrNotFound, asset)
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// GetParticipant returns the projected participant row for an owner
func (s *Service) GetParticipant(ctx context.Context, owner uuid.UUID) (*ParticipantResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var p ParticipantResponse
	var borrowedCycle sql.NullInt16
	p.AsOfSequence = asOfSeq
	err = s.db.QueryRowContext(ctx, `
		SELECT owner, asset, has_borrowed, contributions,
		       join_time, last_contribution_time, total_contributed,
		       borrowed_cycle, collateral_released
		FROM chit.participants
		WHERE owner = $1
	`, owner).Scan(
		&p.Owner, &p.Asset, &p.HasBorrowed, &p.Contributions,
		&p.JoinTime, &p.LastContributionTime, &p.TotalContributed,
		&borrowedCycle, &p.CollateralReleased,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: participant %s", ErrNotFound, owner)
	}
	if err != nil {
		return nil, err
	}
	if borrowedCycle.Valid {
		c := borrowedCycle.Int16
		p.BorrowedCycle = &c
	}
	return &p, nil
}

// ListEvents returns the notification log after the given sequence, oldest
// first. Empty asset lists all funds; empty eventType lists all types.
// NextAfter is set when another page may exist.
func (s *Service) ListEvents(ctx context.Context, asset, eventType string, after int64, limit int) (*EventPage, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `SELECT sequence, event_id, event_type, asset, payload, occurred_at
		FROM chit.events
		WHERE sequence > $1`
	args := []interface{}{after}
	if asset != "" {
		args = append(args, asset)
		query += fmt.Sprintf(" AND asset = $%d", len(args))
	}
	if eventType != "" {
		args = append(args, eventType)
		query += fmt.Sprintf(" AND event_type = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY sequence LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := &EventPage{AsOfSequence: asOfSeq}
	for rows.Next() {
		var e EventResponse
		if err := rows.Scan(&e.Sequence, &e.EventID, &e.EventType, &e.Asset, &e.Payload, &e.OccurredAt); err != nil {
			return nil, err
		}
		page.Events = append(page.Events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(page.Events) == limit {
		page.NextAfter = page.Events[len(page.Events)-1].Sequence
	}
	return page, nil
}

// getWatermark returns the highest persisted sequence
func (s *Service) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM chit.events`).Scan(&seq)
	return seq, err
}
