package conversation

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

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrInvalidTransition    = errors.New("invalid conversation status transition")
)

// Store is the persistence surface the flow, reaper and handlers use.
type Store interface {
	Get(ctx context.Context, id string) (Conversation, error)
	// GetOrCreate returns the contact's open conversation, creating a
	// fresh active one when none exists or the last one finished.
	GetOrCreate(ctx context.Context, tenantID, contactAddress, channelType, graphID string) (Conversation, bool, error)
	// UpdateCursor moves the cursor and touches last activity.
	UpdateCursor(ctx context.Context, id, nodeID string) error
	// Touch refreshes last activity without moving the cursor.
	Touch(ctx context.Context, id string) error
	// SetStatus applies a validated status transition.
	SetStatus(ctx context.Context, id string, status Status, reason string) error
	// ListIdleActive returns active conversations idle since before the cutoff.
	ListIdleActive(ctx context.Context, cutoff time.Time, limit int) ([]Conversation, error)
}

// PGStore implements Store on postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const conversationColumns = `
	id, tenant_id, contact_address, channel_type, graph_id, current_node_id,
	status, close_reason, started_at, last_activity_at, closed_at`

func (s *PGStore) Get(ctx context.Context, id string) (Conversation, error) {
	convUUID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Conversation{}, err
	}

	row := s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, convUUID)
	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Conversation{}, fmt.Errorf("conversation %s: %w", id, ErrConversationNotFound)
		}
		return Conversation{}, fmt.Errorf("query conversation: %w", err)
	}
	return conv, nil
}

func (s *PGStore) GetOrCreate(ctx context.Context, tenantID, contactAddress, channelType, graphID string) (Conversation, bool, error) {
	tenantUUID, err := dbpkg.ParseUUID(tenantID)
	if err != nil {
		return Conversation{}, false, err
	}

	row := s.pool.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE tenant_id = $1 AND contact_address = $2 AND status <> 'finished'
		ORDER BY started_at DESC
		LIMIT 1`, tenantUUID, contactAddress)

	conv, err := scanConversation(row)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, false, fmt.Errorf("query open conversation: %w", err)
	}

	graphUUID, err := dbpkg.ParseUUID(graphID)
	if err != nil {
		return Conversation{}, false, err
	}

	row = s.pool.QueryRow(ctx, `
		INSERT INTO conversations (tenant_id, contact_address, channel_type, graph_id, status)
		VALUES ($1, $2, $3, $4, 'active')
		RETURNING `+conversationColumns, tenantUUID, contactAddress, channelType, graphUUID)
	conv, err = scanConversation(row)
	if err != nil {
		return Conversation{}, false, fmt.Errorf("create conversation: %w", err)
	}
	return conv, true, nil
}

func (s *PGStore) UpdateCursor(ctx context.Context, id, nodeID string) error {
	convUUID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return err
	}

	var node pgtype.UUID
	if nodeID != "" {
		node, err = dbpkg.ParseUUID(nodeID)
		if err != nil {
			return err
		}
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations
		SET current_node_id = $2, last_activity_at = now()
		WHERE id = $1`, convUUID, node)
	if err != nil {
		return fmt.Errorf("update cursor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrConversationNotFound)
	}
	return nil
}

func (s *PGStore) Touch(ctx context.Context, id string) error {
	convUUID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE conversations SET last_activity_at = now() WHERE id = $1`, convUUID)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

func (s *PGStore) SetStatus(ctx context.Context, id string, status Status, reason string) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Status == status {
		return nil
	}
	if !CanTransition(current.Status, status) {
		return fmt.Errorf("%s -> %s: %w", current.Status, status, ErrInvalidTransition)
	}

	convUUID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return err
	}

	closed := status == StatusFinished
	_, err = s.pool.Exec(ctx, `
		UPDATE conversations
		SET status = $2,
		    close_reason = COALESCE(NULLIF($3, ''), close_reason),
		    closed_at = CASE WHEN $4 THEN now() ELSE closed_at END
		WHERE id = $1`, convUUID, string(status), reason, closed)
	if err != nil {
		return fmt.Errorf("set conversation status: %w", err)
	}
	return nil
}

func (s *PGStore) ListIdleActive(ctx context.Context, cutoff time.Time, limit int) ([]Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE status = 'active' AND last_activity_at < $1
		ORDER BY last_activity_at
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query idle conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

func scanConversation(row pgx.Row) (Conversation, error) {
	var (
		id, tenant, graphID      pgtype.UUID
		currentNode              pgtype.UUID
		contact, channel, status string
		closeReason              pgtype.Text
		startedAt                pgtype.Timestamptz
		lastActivityAt           pgtype.Timestamptz
		closedAt                 pgtype.Timestamptz
	)
	if err := row.Scan(&id, &tenant, &contact, &channel, &graphID, &currentNode,
		&status, &closeReason, &startedAt, &lastActivityAt, &closedAt); err != nil {
		return Conversation{}, err
	}

	conv := Conversation{
		ID:             dbpkg.UUIDToString(id),
		TenantID:       dbpkg.UUIDToString(tenant),
		ContactAddress: contact,
		ChannelType:    channel,
		GraphID:        dbpkg.UUIDToString(graphID),
		CurrentNodeID:  dbpkg.UUIDToString(currentNode),
		Status:         Status(status),
		CloseReason:    dbpkg.TextToString(closeReason),
		StartedAt:      dbpkg.TimeFromPg(startedAt),
		LastActivityAt: dbpkg.TimeFromPg(lastActivityAt),
	}
	if closedAt.Valid {
		t := closedAt.Time
		conv.ClosedAt = &t
	}
	return conv, nil
}
