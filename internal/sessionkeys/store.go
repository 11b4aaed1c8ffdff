package sessionkeys

import (
	"context"
	"time"
)

// Store persists session keys, their append-only events, and transactions.
// The *WithEvent methods are transactional composites: the row change and
// the event land in one commit or not at all.
type Store interface {
	// CreateWithEvent persists a new key, its permissions, and the created
	// event in one transaction.
	CreateWithEvent(ctx context.Context, key *SessionKey, event *SessionEvent) error
	Get(ctx context.Context, id string) (*SessionKey, error)
	// ListByUser filters by status when status is non-empty.
	ListByUser(ctx context.Context, userID string, status Status) ([]*SessionKey, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*SessionKey, error)
	// ListActiveExpired returns active keys whose validUntil has lapsed.
	ListActiveExpired(ctx context.Context, now time.Time, limit int) ([]*SessionKey, error)
	CountByStatus(ctx context.Context, status Status) (int, error)

	// UpdateUsageWithEvent persists the key's usage counters and the used
	// event in one transaction.
	UpdateUsageWithEvent(ctx context.Context, key *SessionKey, event *SessionEvent) error
	// TransitionStatusWithEvent moves the key to a new status and writes the
	// event in one transaction. Sets revokedAt when transitioning to revoked.
	TransitionStatusWithEvent(ctx context.Context, id string, to Status, event *SessionEvent) error

	AppendEvent(ctx context.Context, event *SessionEvent) error
	// ListEvents returns a key's events, newest first.
	ListEvents(ctx context.Context, sessionKeyID string, limit int) ([]*SessionEvent, error)
	// ListEventsByType returns events of one type across all keys since a
	// point in time, newest first.
	ListEventsByType(ctx context.Context, eventType EventType, since time.Time, limit int) ([]*SessionEvent, error)
	CountEvents(ctx context.Context, sessionKeyID string, eventType EventType) (int, error)

	CreateTransaction(ctx context.Context, tx *SessionTransaction) error
	// ListTransactionsSince returns a key's transactions after since, newest
	// first.
	ListTransactionsSince(ctx context.Context, sessionKeyID string, since time.Time) ([]*SessionTransaction, error)
}
