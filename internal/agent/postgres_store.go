package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresSnapshotStore persists reasoning traces in Postgres. Config and
// result are stored as JSONB.
type PostgresSnapshotStore struct {
	db *sql.DB
}

// NewPostgresSnapshotStore creates a Postgres-backed snapshot store.
func NewPostgresSnapshotStore(db *sql.DB) *PostgresSnapshotStore {
	return &PostgresSnapshotStore{db: db}
}

func (s *PostgresSnapshotStore) Create(ctx context.Context, snap *Snapshot) error {
	config, err := json.Marshal(snap.Config)
	if err != nil {
		return fmt.Errorf("marshal snapshot config: %w", err)
	}
	result, err := json.Marshal(snap.Result)
	if err != nil {
		return fmt.Errorf("marshal snapshot result: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_snapshots (id, user_id, config, result, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		snap.ID, snap.UserID, config, result, snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (s *PostgresSnapshotStore) Get(ctx context.Context, id string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, config, result, created_at
		FROM agent_snapshots WHERE id = $1`, id)

	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSnapshotNotFound
	}
	return snap, err
}

func (s *PostgresSnapshotStore) List(ctx context.Context, limit int) ([]*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, config, result, created_at
		FROM agent_snapshots ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snaps []*Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func scanSnapshot(row interface{ Scan(dest ...interface{}) error }) (*Snapshot, error) {
	var (
		snap   Snapshot
		userID sql.NullString
		config []byte
		result []byte
	)
	if err := row.Scan(&snap.ID, &userID, &config, &result, &snap.CreatedAt); err != nil {
		return nil, err
	}
	snap.UserID = userID.String
	if len(config) > 0 {
		if err := json.Unmarshal(config, &snap.Config); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot config: %w", err)
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &snap.Result); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot result: %w", err)
		}
	}
	return &snap, nil
}

// Compile-time assertion that PostgresSnapshotStore implements SnapshotStore.
var _ SnapshotStore = (*PostgresSnapshotStore)(nil)
