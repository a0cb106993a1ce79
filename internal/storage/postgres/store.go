package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"donationsync/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS donation_events (
	chain_id        BIGINT NOT NULL,
	tx_hash         TEXT NOT NULL,
	kind            TEXT NOT NULL,
	log_index       BIGINT NOT NULL,
	block_number    BIGINT NOT NULL,
	block_timestamp BIGINT NOT NULL,
	contract        TEXT NOT NULL,
	schema_version  INT NOT NULL,
	fields          JSONB NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (chain_id, tx_hash, kind)
);
CREATE TABLE IF NOT EXISTS decode_errors (
	chain_id     BIGINT NOT NULL,
	tx_hash      TEXT NOT NULL,
	log_index    BIGINT NOT NULL,
	block_number BIGINT NOT NULL,
	contract     TEXT NOT NULL,
	topic0       TEXT NOT NULL,
	error        TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (chain_id, tx_hash, log_index)
);
`

// Store provides Postgres persistence for the event journal.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the journal tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// PutEvents inserts decoded events. An event already journaled for the same
// (chain, transaction, kind) is left untouched.
func (s *Store) PutEvents(ctx context.Context, events []model.DecodedEvent) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, ev := range events {
		chainID, err := chainID(ev.Network)
		if err != nil {
			return err
		}
		fields, err := json.Marshal(ev.Fields)
		if err != nil {
			return fmt.Errorf("marshal fields: %w", err)
		}
		batch.Queue(`
			INSERT INTO donation_events (
				chain_id, tx_hash, kind, log_index, block_number, block_timestamp, contract, schema_version, fields
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (chain_id, tx_hash, kind) DO NOTHING
		`,
			chainID,
			ev.TxHash,
			string(ev.Kind),
			int64(ev.LogIndex),
			int64(ev.BlockNumber),
			int64(ev.BlockTimestamp),
			ev.Address,
			ev.SchemaVersion,
			fields,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range events {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// PutDecodeErrors inserts decode failures, once per log.
func (s *Store) PutDecodeErrors(ctx context.Context, decodeErrs []model.DecodeError) error {
	if len(decodeErrs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, d := range decodeErrs {
		chainID, err := chainID(d.Network)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO decode_errors (
				chain_id, tx_hash, log_index, block_number, contract, topic0, error
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (chain_id, tx_hash, log_index)
			DO UPDATE SET error = EXCLUDED.error
		`,
			chainID,
			d.TxHash,
			int64(d.LogIndex),
			int64(d.BlockNumber),
			d.Address,
			d.Topic0,
			d.Error,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range decodeErrs {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// CountEvents returns the number of journaled events for a network.
func (s *Store) CountEvents(ctx context.Context, network string) (int64, error) {
	id, err := chainID(network)
	if err != nil {
		return 0, err
	}
	var n int64
	row := s.pool.QueryRow(ctx, `SELECT count(*) FROM donation_events WHERE chain_id=$1`, id)
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func chainID(network string) (int64, error) {
	id, err := strconv.ParseInt(network, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("network %q is not a chain id: %w", network, err)
	}
	return id, nil
}
