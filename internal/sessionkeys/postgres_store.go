package sessionkeys

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists session keys in PostgreSQL. Composite operations
// run in a single transaction so a key change and its audit event commit
// together.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed session key store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const sessionKeyColumns = `id, user_id, chain_id, session_address, encrypted_private_key,
	owner_address, parent_address, status, security_level, valid_until,
	created_at, revoked_at, total_used, daily_used, daily_reset_at, last_used_at`

func (p *PostgresStore) CreateWithEvent(ctx context.Context, key *SessionKey, event *SessionEvent) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO session_keys (
			id, user_id, chain_id, session_address, encrypted_private_key,
			owner_address, parent_address, status, security_level, valid_until,
			created_at, revoked_at, total_used, daily_used, daily_reset_at, last_used_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13::NUMERIC(20,6), $14::NUMERIC(20,6), $15, $16
		)`,
		key.ID, key.UserID, key.ChainID, key.SessionAddress, key.EncryptedPrivateKey,
		key.OwnerAddress, key.ParentAddress, string(key.Status), string(key.SecurityLevel), key.ValidUntil,
		key.CreatedAt, nullTime(key.RevokedAt), key.TotalUsed, key.DailyUsed, key.DailyResetAt, nullTime(key.LastUsedAt),
	)
	if err != nil {
		return err
	}

	for _, perm := range key.Permissions {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO session_key_permissions (
				session_key_id, operation, max_amount_per_tx, max_daily_amount,
				allowed_contracts, require_confirmation, emergency_stop
			) VALUES ($1, $2, $3::NUMERIC(20,6), $4::NUMERIC(20,6), $5, $6, $7)`,
			key.ID, perm.Operation, perm.MaxAmountPerTx, perm.MaxDailyAmount,
			pq.Array(perm.AllowedContracts), perm.RequireConfirmation, perm.EmergencyStop,
		)
		if err != nil {
			if strings.Contains(err.Error(), "unique constraint") {
				return ErrDuplicateOperation
			}
			return err
		}
	}

	if err := insertEventTx(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*SessionKey, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+sessionKeyColumns+`
		FROM session_keys WHERE id = $1`, id)

	key, err := scanSessionKey(row)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := p.loadPermissions(ctx, []*SessionKey{key}); err != nil {
		return nil, err
	}
	return key, nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, status Status) ([]*SessionKey, error) {
	query := `SELECT ` + sessionKeyColumns + ` FROM session_keys WHERE user_id = $1`
	args := []any{userID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	keys, err := scanSessionKeys(rows)
	if err != nil {
		return nil, err
	}
	if err := p.loadPermissions(ctx, keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*SessionKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionKeyColumns+`
		FROM session_keys
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	keys, err := scanSessionKeys(rows)
	if err != nil {
		return nil, err
	}
	if err := p.loadPermissions(ctx, keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func (p *PostgresStore) ListActiveExpired(ctx context.Context, now time.Time, limit int) ([]*SessionKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionKeyColumns+`
		FROM session_keys
		WHERE status = 'active' AND valid_until < $1
		ORDER BY valid_until ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	keys, err := scanSessionKeys(rows)
	if err != nil {
		return nil, err
	}
	if err := p.loadPermissions(ctx, keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func (p *PostgresStore) CountByStatus(ctx context.Context, status Status) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM session_keys WHERE status = $1`, string(status)).Scan(&count)
	return count, err
}

func (p *PostgresStore) UpdateUsageWithEvent(ctx context.Context, key *SessionKey, event *SessionEvent) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE session_keys SET
			total_used = $1::NUMERIC(20,6), daily_used = $2::NUMERIC(20,6),
			daily_reset_at = $3, last_used_at = $4
		WHERE id = $5`,
		key.TotalUsed, key.DailyUsed, key.DailyResetAt, nullTime(key.LastUsedAt), key.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrKeyNotFound
	}

	if err := insertEventTx(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) TransitionStatusWithEvent(ctx context.Context, id string, to Status, event *SessionEvent) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var result sql.Result
	if to == StatusRevoked {
		result, err = tx.ExecContext(ctx, `
			UPDATE session_keys SET status = $1, revoked_at = COALESCE(revoked_at, $2)
			WHERE id = $3`, string(to), event.CreatedAt, id)
	} else {
		result, err = tx.ExecContext(ctx, `
			UPDATE session_keys SET status = $1 WHERE id = $2`, string(to), id)
	}
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrKeyNotFound
	}

	if err := insertEventTx(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) AppendEvent(ctx context.Context, event *SessionEvent) error {
	data, err := marshalEventData(event)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO session_events (id, session_key_id, event_type, event_data, severity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.SessionKeyID, string(event.EventType), data, string(event.Severity), event.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListEvents(ctx context.Context, sessionKeyID string, limit int) ([]*SessionEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, session_key_id, event_type, event_data, severity, created_at
		FROM session_events
		WHERE session_key_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, sessionKeyID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

func (p *PostgresStore) ListEventsByType(ctx context.Context, eventType EventType, since time.Time, limit int) ([]*SessionEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, session_key_id, event_type, event_data, severity, created_at
		FROM session_events
		WHERE event_type = $1 AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT $3`, string(eventType), since, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

func (p *PostgresStore) CountEvents(ctx context.Context, sessionKeyID string, eventType EventType) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM session_events
		WHERE session_key_id = $1 AND event_type = $2`, sessionKeyID, string(eventType)).Scan(&count)
	return count, err
}

func (p *PostgresStore) CreateTransaction(ctx context.Context, t *SessionTransaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO session_transactions (id, session_key_id, amount, to_address, transaction_hash, created_at)
		VALUES ($1, $2, $3::NUMERIC(20,6), $4, $5, $6)`,
		t.ID, t.SessionKeyID, t.Amount, t.ToAddress, nullStr(t.TransactionHash), t.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListTransactionsSince(ctx context.Context, sessionKeyID string, since time.Time) ([]*SessionTransaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, session_key_id, amount, to_address, transaction_hash, created_at
		FROM session_transactions
		WHERE session_key_id = $1 AND created_at >= $2
		ORDER BY created_at DESC`, sessionKeyID, since)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*SessionTransaction
	for rows.Next() {
		t := &SessionTransaction{}
		var txHash sql.NullString
		if err := rows.Scan(&t.ID, &t.SessionKeyID, &t.Amount, &t.ToAddress, &txHash, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.TransactionHash = txHash.String
		result = append(result, t)
	}
	return result, rows.Err()
}

// loadPermissions attaches permissions to the given keys in one query.
func (p *PostgresStore) loadPermissions(ctx context.Context, keys []*SessionKey) error {
	if len(keys) == 0 {
		return nil
	}
	ids := make([]string, len(keys))
	byID := make(map[string]*SessionKey, len(keys))
	for i, k := range keys {
		ids[i] = k.ID
		byID[k.ID] = k
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT session_key_id, operation, max_amount_per_tx, max_daily_amount,
		       allowed_contracts, require_confirmation, emergency_stop
		FROM session_key_permissions
		WHERE session_key_id = ANY($1)
		ORDER BY operation ASC`, pq.Array(ids))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			keyID string
			perm  Permission
		)
		err := rows.Scan(
			&keyID, &perm.Operation, &perm.MaxAmountPerTx, &perm.MaxDailyAmount,
			pq.Array(&perm.AllowedContracts), &perm.RequireConfirmation, &perm.EmergencyStop,
		)
		if err != nil {
			return err
		}
		if k, ok := byID[keyID]; ok {
			k.Permissions = append(k.Permissions, perm)
		}
	}
	return rows.Err()
}

// --- scanners ---

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSessionKey(sc scanner) (*SessionKey, error) {
	k := &SessionKey{}
	var (
		status     string
		secLevel   string
		revokedAt  sql.NullTime
		lastUsedAt sql.NullTime
	)

	err := sc.Scan(
		&k.ID, &k.UserID, &k.ChainID, &k.SessionAddress, &k.EncryptedPrivateKey,
		&k.OwnerAddress, &k.ParentAddress, &status, &secLevel, &k.ValidUntil,
		&k.CreatedAt, &revokedAt, &k.TotalUsed, &k.DailyUsed, &k.DailyResetAt, &lastUsedAt,
	)
	if err != nil {
		return nil, err
	}

	k.Status = Status(status)
	k.SecurityLevel = SecurityLevel(secLevel)
	if revokedAt.Valid {
		k.RevokedAt = &revokedAt.Time
	}
	if lastUsedAt.Valid {
		k.LastUsedAt = &lastUsedAt.Time
	}
	return k, nil
}

func scanSessionKeys(rows *sql.Rows) ([]*SessionKey, error) {
	var result []*SessionKey
	for rows.Next() {
		k, err := scanSessionKey(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, k)
	}
	return result, rows.Err()
}

func scanEvents(rows *sql.Rows) ([]*SessionEvent, error) {
	var result []*SessionEvent
	for rows.Next() {
		e := &SessionEvent{}
		var (
			eventType string
			severity  string
			data      []byte
		)
		if err := rows.Scan(&e.ID, &e.SessionKeyID, &eventType, &data, &severity, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.EventType = EventType(eventType)
		e.Severity = Severity(severity)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.EventData); err != nil {
				return nil, fmt.Errorf("unmarshal event data: %w", err)
			}
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func insertEventTx(ctx context.Context, tx *sql.Tx, event *SessionEvent) error {
	if event == nil {
		return nil
	}
	data, err := marshalEventData(event)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO session_events (id, session_key_id, event_type, event_data, severity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.SessionKeyID, string(event.EventType), data, string(event.Severity), event.CreatedAt,
	)
	return err
}

func marshalEventData(event *SessionEvent) ([]byte, error) {
	if event.EventData == nil {
		return nil, nil
	}
	data, err := json.Marshal(event.EventData)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}
	return data, nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
