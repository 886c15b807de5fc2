// Package pending holds replies that could not be delivered because
// the tenant's channel was down, and drains them once it comes back.
package pending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	dbpkg "github.com/botwalk/botwalk/internal/db"
)

// ErrItemNotFound is returned when a queue row no longer exists.
var ErrItemNotFound = errors.New("pending item not found")

// Item is one undelivered-response marker. The reply itself is never
// stored; the drain regenerates it from the conversation cursor.
type Item struct {
	ID             string
	TenantID       string
	ConversationID string
	ContactAddress string
	Attempts       int
}

// Store is the queue's persistence surface. Lease marks rows as
// in-flight so concurrent drains cannot double-handle one item.
type Store interface {
	// Enqueue is idempotent per conversation: a second failure while
	// one is already queued does not create a second row.
	Enqueue(ctx context.Context, tenantID, conversationID, contactAddress string) error
	// Lease claims up to limit unleased (or lease-expired) items.
	Lease(ctx context.Context, leaseFor time.Duration, limit int) ([]Item, error)
	// Release clears the lease without counting a delivery attempt.
	Release(ctx context.Context, id string) error
	// Fail counts a failed attempt, clears the lease and returns the
	// new attempt count.
	Fail(ctx context.Context, id string) (int, error)
	Delete(ctx context.Context, id string) error
}

// PGStore implements Store on postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Enqueue(ctx context.Context, tenantID, conversationID, contactAddress string) error {
	tenantUUID, err := dbpkg.ParseUUID(tenantID)
	if err != nil {
		return err
	}
	convUUID, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO pending_responses (tenant_id, conversation_id, contact_address)
		VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id) DO UPDATE SET
			contact_address = EXCLUDED.contact_address`,
		tenantUUID, convUUID, contactAddress)
	if err != nil {
		return fmt.Errorf("enqueue pending response: %w", err)
	}
	return nil
}

func (s *PGStore) Lease(ctx context.Context, leaseFor time.Duration, limit int) ([]Item, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE pending_responses
		SET leased_until = now() + make_interval(secs => $1)
		WHERE id IN (
			SELECT id FROM pending_responses
			WHERE leased_until IS NULL OR leased_until < now()
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, tenant_id, conversation_id, contact_address, attempts`,
		leaseFor.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("lease pending responses: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var (
			id, tenant, conv pgtype.UUID
			contact          string
			attempts         int
		)
		if err := rows.Scan(&id, &tenant, &conv, &contact, &attempts); err != nil {
			return nil, fmt.Errorf("scan pending response: %w", err)
		}
		items = append(items, Item{
			ID:             dbpkg.UUIDToString(id),
			TenantID:       dbpkg.UUIDToString(tenant),
			ConversationID: dbpkg.UUIDToString(conv),
			ContactAddress: contact,
			Attempts:       attempts,
		})
	}
	return items, rows.Err()
}

func (s *PGStore) Release(ctx context.Context, id string) error {
	itemUUID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE pending_responses SET leased_until = NULL WHERE id = $1`, itemUUID)
	if err != nil {
		return fmt.Errorf("release pending response: %w", err)
	}
	return nil
}

func (s *PGStore) Fail(ctx context.Context, id string) (int, error) {
	itemUUID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return 0, err
	}

	var attempts int
	err = s.pool.QueryRow(ctx, `
		UPDATE pending_responses
		SET attempts = attempts + 1, leased_until = NULL
		WHERE id = $1
		RETURNING attempts`, itemUUID).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("pending item %s: %w", id, ErrItemNotFound)
		}
		return 0, fmt.Errorf("fail pending response: %w", err)
	}
	return attempts, nil
}

func (s *PGStore) Delete(ctx context.Context, id string) error {
	itemUUID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`DELETE FROM pending_responses WHERE id = $1`, itemUUID)
	if err != nil {
		return fmt.Errorf("delete pending response: %w", err)
	}
	return nil
}
