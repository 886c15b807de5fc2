package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	dbpkg "github.com/botwalk/botwalk/internal/db"
)

// ErrSessionNotFound is returned when no session row exists yet.
var ErrSessionNotFound = errors.New("channel session not found")

// SessionStore persists session snapshots and sealed credentials.
type SessionStore interface {
	Get(ctx context.Context, tenantID string, channel Type) (Session, error)
	// Save upserts the session snapshot. Credentials are untouched.
	Save(ctx context.Context, session Session) error
	Credentials(ctx context.Context, tenantID string, channel Type) ([]byte, error)
	SetCredentials(ctx context.Context, tenantID string, channel Type, sealed []byte) error
	ClearCredentials(ctx context.Context, tenantID string, channel Type) error
}

// PGSessionStore implements SessionStore on postgres.
type PGSessionStore struct {
	pool *pgxpool.Pool
}

func NewPGSessionStore(pool *pgxpool.Pool) *PGSessionStore {
	return &PGSessionStore{pool: pool}
}

func (s *PGSessionStore) Get(ctx context.Context, tenantID string, channel Type) (Session, error) {
	tenantUUID, err := dbpkg.ParseUUID(tenantID)
	if err != nil {
		return Session{}, err
	}

	row := s.pool.QueryRow(ctx, `
		SELECT tenant_id, channel_type, status, reconnect_attempts,
		       last_disconnect_reason, manual_disconnect, paired_address,
		       credentials IS NOT NULL, updated_at
		FROM channel_sessions
		WHERE tenant_id = $1 AND channel_type = $2`, tenantUUID, channel.String())

	var (
		rowTenant      pgtype.UUID
		channelType    string
		status         string
		attempts       int
		reason         pgtype.Text
		manual         bool
		pairedAddress  pgtype.Text
		hasCredentials bool
		updatedAt      pgtype.Timestamptz
	)
	err = row.Scan(&rowTenant, &channelType, &status, &attempts,
		&reason, &manual, &pairedAddress, &hasCredentials, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, fmt.Errorf("tenant %s channel %s: %w", tenantID, channel, ErrSessionNotFound)
		}
		return Session{}, fmt.Errorf("query channel session: %w", err)
	}

	return Session{
		TenantID:             dbpkg.UUIDToString(rowTenant),
		Channel:              Type(channelType),
		Status:               SessionStatus(status),
		ReconnectAttempts:    attempts,
		LastDisconnectReason: DisconnectReason(dbpkg.TextToString(reason)),
		ManualDisconnect:     manual,
		PairedAddress:        dbpkg.TextToString(pairedAddress),
		CredentialsRef:       hasCredentials,
		UpdatedAt:            dbpkg.TimeFromPg(updatedAt),
	}, nil
}

func (s *PGSessionStore) Save(ctx context.Context, session Session) error {
	tenantUUID, err := dbpkg.ParseUUID(session.TenantID)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO channel_sessions (
			tenant_id, channel_type, status, reconnect_attempts,
			last_disconnect_reason, manual_disconnect, paired_address, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (tenant_id, channel_type) DO UPDATE SET
			status = EXCLUDED.status,
			reconnect_attempts = EXCLUDED.reconnect_attempts,
			last_disconnect_reason = EXCLUDED.last_disconnect_reason,
			manual_disconnect = EXCLUDED.manual_disconnect,
			paired_address = EXCLUDED.paired_address,
			updated_at = now()`,
		tenantUUID, session.Channel.String(), session.Status.String(),
		session.ReconnectAttempts, dbpkg.TextFromString(string(session.LastDisconnectReason)),
		session.ManualDisconnect, dbpkg.TextFromString(session.PairedAddress))
	if err != nil {
		return fmt.Errorf("save channel session: %w", err)
	}
	return nil
}

func (s *PGSessionStore) Credentials(ctx context.Context, tenantID string, channel Type) ([]byte, error) {
	tenantUUID, err := dbpkg.ParseUUID(tenantID)
	if err != nil {
		return nil, err
	}

	var sealed []byte
	err = s.pool.QueryRow(ctx, `
		SELECT credentials FROM channel_sessions
		WHERE tenant_id = $1 AND channel_type = $2`,
		tenantUUID, channel.String()).Scan(&sealed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("tenant %s channel %s: %w", tenantID, channel, ErrSessionNotFound)
		}
		return nil, fmt.Errorf("query session credentials: %w", err)
	}
	return sealed, nil
}

func (s *PGSessionStore) SetCredentials(ctx context.Context, tenantID string, channel Type, sealed []byte) error {
	tenantUUID, err := dbpkg.ParseUUID(tenantID)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO channel_sessions (tenant_id, channel_type, credentials, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (tenant_id, channel_type) DO UPDATE SET
			credentials = EXCLUDED.credentials,
			updated_at = now()`,
		tenantUUID, channel.String(), sealed)
	if err != nil {
		return fmt.Errorf("set session credentials: %w", err)
	}
	return nil
}

func (s *PGSessionStore) ClearCredentials(ctx context.Context, tenantID string, channel Type) error {
	tenantUUID, err := dbpkg.ParseUUID(tenantID)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE channel_sessions SET credentials = NULL, updated_at = now()
		WHERE tenant_id = $1 AND channel_type = $2`,
		tenantUUID, channel.String())
	if err != nil {
		return fmt.Errorf("clear session credentials: %w", err)
	}
	return nil
}
