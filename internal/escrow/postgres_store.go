package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists escrow contracts in PostgreSQL. The milestone
// list lives in a JSONB column on the contract row so that the aggregate
// commits atomically under a single version check.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const contractColumns = `id, buyer, seller, arbiter,
		       asset_code, asset_issuer, asset_decimals,
		       total_amount, platform_fee_bps, terms, deadline, status,
		       milestones, metadata, fund_tx_hash,
		       in_flight, in_flight_since, version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, c *Contract) error {
	milestonesJSON, err := json.Marshal(c.Milestones)
	if err != nil {
		return err
	}
	metadataJSON, err := marshalMetadata(c.Metadata)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO escrow_contracts (
			id, buyer, seller, arbiter,
			asset_code, asset_issuer, asset_decimals,
			total_amount, platform_fee_bps, terms, deadline, status,
			milestones, metadata, fund_tx_hash,
			in_flight, in_flight_since, version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15,
			$16, $17, 0, $18, $19
		)`,
		c.ID, c.Buyer, c.Seller, c.Arbiter,
		c.Asset.Code, nullString(c.Asset.Issuer), c.Asset.Decimals,
		c.TotalAmount, c.PlatformFeeBps, nullString(c.Terms), c.Deadline, string(c.Status),
		milestonesJSON, metadataJSON, nullString(c.FundTxHash),
		nullString(c.InFlight), nullTime(c.InFlightSince), c.CreatedAt, c.UpdatedAt,
	)
	if err == nil {
		c.Version = 0
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Contract, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM escrow_contracts WHERE id = $1`, id)

	c, err := scanContract(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return c, err
}

// Update commits conditionally on the version column matching the
// caller's snapshot, then increments it. Zero rows affected means either
// the row is gone or another writer committed first; the two are told
// apart with a follow-up existence check.
func (p *PostgresStore) Update(ctx context.Context, c *Contract) error {
	milestonesJSON, err := json.Marshal(c.Milestones)
	if err != nil {
		return err
	}
	metadataJSON, err := marshalMetadata(c.Metadata)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_contracts SET
			status = $1, milestones = $2, metadata = $3, fund_tx_hash = $4,
			in_flight = $5, in_flight_since = $6, updated_at = $7,
			version = version + 1
		WHERE id = $8 AND version = $9`,
		string(c.Status), milestonesJSON, metadataJSON, nullString(c.FundTxHash),
		nullString(c.InFlight), nullTime(c.InFlightSince), c.UpdatedAt,
		c.ID, c.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var stored int64
		err := p.db.QueryRowContext(ctx, `SELECT version FROM escrow_contracts WHERE id = $1`, c.ID).Scan(&stored)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: have version %d, stored version is %d", ErrConcurrencyConflict, c.Version, stored)
	}
	c.Version++
	return nil
}

func (p *PostgresStore) ListByParticipant(ctx context.Context, stakeholderID string, limit int) ([]*Contract, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+contractColumns+`
		FROM escrow_contracts
		WHERE lower(buyer) = lower($1)
		   OR lower(seller) = lower($1)
		   OR lower(arbiter) = lower($1)
		   OR milestones @> $2::jsonb
		ORDER BY created_at DESC
		LIMIT $3`,
		stakeholderID, approverFilter(stakeholderID), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanContracts(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status ContractStatus, limit int) ([]*Contract, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+contractColumns+`
		FROM escrow_contracts
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanContracts(rows)
}

func (p *PostgresStore) ListInFlight(ctx context.Context, olderThan time.Time, limit int) ([]*Contract, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+contractColumns+`
		FROM escrow_contracts
		WHERE in_flight IS NOT NULL
		  AND in_flight_since < $1
		ORDER BY in_flight_since ASC
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanContracts(rows)
}

func (p *PostgresStore) RecordEvent(ctx context.Context, e *Event) error {
	var dataJSON []byte
	if e.Data != nil {
		var err error
		dataJSON, err = json.Marshal(e.Data)
		if err != nil {
			return err
		}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_events (id, contract_id, milestone_id, type, occurred_at, data)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.ContractID, nullString(e.MilestoneID), string(e.Type), e.OccurredAt, dataJSON,
	)
	return err
}

func (p *PostgresStore) ListEvents(ctx context.Context, contractID string, limit int) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, contract_id, milestone_id, type, occurred_at, data
		FROM escrow_events
		WHERE contract_id = $1
		ORDER BY occurred_at DESC, id DESC
		LIMIT $2`, contractID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Event
	for rows.Next() {
		e := &Event{}
		var (
			milestoneID sql.NullString
			typ         string
			dataJSON    []byte
		)
		if err := rows.Scan(&e.ID, &e.ContractID, &milestoneID, &typ, &e.OccurredAt, &dataJSON); err != nil {
			return nil, err
		}
		e.MilestoneID = milestoneID.String
		e.Type = EventType(typ)
		if len(dataJSON) > 0 {
			_ = json.Unmarshal(dataJSON, &e.Data)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanContract(s scanner) (*Contract, error) {
	c := &Contract{}
	var (
		assetIssuer    sql.NullString
		terms          sql.NullString
		status         string
		milestonesJSON []byte
		metadataJSON   []byte
		fundTxHash     sql.NullString
		inFlight       sql.NullString
		inFlightSince  sql.NullTime
	)

	err := s.Scan(
		&c.ID, &c.Buyer, &c.Seller, &c.Arbiter,
		&c.Asset.Code, &assetIssuer, &c.Asset.Decimals,
		&c.TotalAmount, &c.PlatformFeeBps, &terms, &c.Deadline, &status,
		&milestonesJSON, &metadataJSON, &fundTxHash,
		&inFlight, &inFlightSince, &c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Asset.Issuer = assetIssuer.String
	c.Terms = terms.String
	c.Status = ContractStatus(status)
	c.FundTxHash = fundTxHash.String
	c.InFlight = inFlight.String
	if inFlightSince.Valid {
		t := inFlightSince.Time
		c.InFlightSince = &t
	}
	if err := json.Unmarshal(milestonesJSON, &c.Milestones); err != nil {
		return nil, fmt.Errorf("corrupt milestones for contract %s: %w", c.ID, err)
	}
	if len(metadataJSON) > 0 {
		_ = json.Unmarshal(metadataJSON, &c.Metadata)
	}

	return c, nil
}

func scanContracts(rows *sql.Rows) ([]*Contract, error) {
	var result []*Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// approverFilter builds the JSONB containment argument matching contracts
// where the stakeholder appears in any milestone's approver list.
func approverFilter(stakeholderID string) string {
	b, _ := json.Marshal([]map[string][]string{{"approvers": {stakeholderID}}})
	return string(b)
}

func marshalMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a nil *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
