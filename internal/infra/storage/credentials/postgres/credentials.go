// Package postgres provides the PostgreSQL-backed credential pool store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mobtriage/verdict/internal/domain/credential"
	"github.com/mobtriage/verdict/internal/infra/storage"
)

// Ensure credentialStore implements credential.Repository at compile time.
var _ credential.Repository = (*credentialStore)(nil)

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// credentialStore implements credential.Repository on PostgreSQL. The row
// updates are written so concurrent executors never lose a usage increment
// and never resurrect a banned key, letting the pool run without any
// application-level locking.
type credentialStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewCredentialStore creates a credential.Repository backed by PostgreSQL.
func NewCredentialStore(pool *pgxpool.Pool, tracer trace.Tracer) *credentialStore {
	return &credentialStore{pool: pool, tracer: tracer}
}

// Add inserts new keys as active credentials, skipping any already present.
func (s *credentialStore) Add(ctx context.Context, keys []string) ([]string, []string, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.Int("key_count", len(keys)),
	)

	var inserted, skipped []string
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.add_credentials", dbAttrs, func(ctx context.Context) error {
		for _, key := range keys {
			tag, err := s.pool.Exec(ctx, `
				INSERT INTO credentials (key, status)
				VALUES ($1, 'ACTIVE')
				ON CONFLICT (key) DO NOTHING`,
				key,
			)
			if err != nil {
				return fmt.Errorf("inserting credential: %w", err)
			}
			if tag.RowsAffected() > 0 {
				inserted = append(inserted, key)
			} else {
				skipped = append(skipped, key)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return inserted, skipped, nil
}

// AcquireLeastUsed sweeps expired cooldowns back to active and picks the
// active credential with the lowest usage count. Both steps run in one
// transaction so two executors racing here observe a consistent pool.
func (s *credentialStore) AcquireLeastUsed(ctx context.Context, now time.Time) (*credential.Credential, error) {
	var cred *credential.Credential

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.acquire_credential", defaultDBAttributes, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `
				UPDATE credentials
				SET status = 'ACTIVE', reset_time = NULL, updated_at = NOW()
				WHERE status = 'LIMITED' AND reset_time <= $1`,
				now,
			); err != nil {
				return fmt.Errorf("reactivating limited credentials: %w", err)
			}

			row := tx.QueryRow(ctx, `
				SELECT key, status, reset_time, usage_count, last_used
				FROM credentials
				WHERE status = 'ACTIVE'
				ORDER BY usage_count ASC, key ASC
				LIMIT 1`,
			)
			c, err := scanCredential(row)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return nil
				}
				return fmt.Errorf("selecting least used credential: %w", err)
			}
			cred = c
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return cred, nil
}

// RecordUse charges the credential for one network request. The increment
// happens in SQL, so concurrent calls all land.
func (s *credentialStore) RecordUse(ctx context.Context, key string, now time.Time) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.record_credential_use", defaultDBAttributes, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE credentials
			SET usage_count = usage_count + 1, last_used = $2, updated_at = NOW()
			WHERE key = $1`,
			key, now,
		)
		if err != nil {
			return fmt.Errorf("recording credential use: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return credential.ErrNotFound
		}
		return nil
	})
}

// MarkLimited takes the credential out of rotation until resetAt. Banned
// credentials are left untouched so a stale rate-limit report cannot shorten
// a ban.
func (s *credentialStore) MarkLimited(ctx context.Context, key string, resetAt time.Time) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("reset_time", resetAt.Format(time.RFC3339)),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.mark_credential_limited", dbAttrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE credentials
			SET status = 'LIMITED', reset_time = $2, updated_at = NOW()
			WHERE key = $1 AND status <> 'BANNED'`,
			key, resetAt,
		)
		if err != nil {
			return fmt.Errorf("marking credential limited: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return s.keyMissingOrBanned(ctx, key)
		}
		return nil
	})
}

// MarkBanned permanently removes the credential from rotation. Re-banning is
// a no-op rather than an error.
func (s *credentialStore) MarkBanned(ctx context.Context, key string) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.mark_credential_banned", defaultDBAttributes, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE credentials
			SET status = 'BANNED', reset_time = NULL, updated_at = NOW()
			WHERE key = $1`,
			key,
		)
		if err != nil {
			return fmt.Errorf("marking credential banned: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return credential.ErrNotFound
		}
		return nil
	})
}

// Get retrieves one credential by key.
func (s *credentialStore) Get(ctx context.Context, key string) (*credential.Credential, error) {
	var cred *credential.Credential

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_credential", defaultDBAttributes, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT key, status, reset_time, usage_count, last_used
			FROM credentials
			WHERE key = $1`,
			key,
		)
		c, err := scanCredential(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return credential.ErrNotFound
			}
			return fmt.Errorf("getting credential: %w", err)
		}
		cred = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cred, nil
}

// List returns every credential in the pool ordered by key.
func (s *credentialStore) List(ctx context.Context) ([]*credential.Credential, error) {
	var creds []*credential.Credential

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_credentials", defaultDBAttributes, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT key, status, reset_time, usage_count, last_used
			FROM credentials
			ORDER BY key ASC`,
		)
		if err != nil {
			return fmt.Errorf("listing credentials: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			c, err := scanCredential(rows)
			if err != nil {
				return fmt.Errorf("scanning credential row: %w", err)
			}
			creds = append(creds, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return creds, nil
}

// keyMissingOrBanned distinguishes why a guarded update touched no rows.
func (s *credentialStore) keyMissingOrBanned(ctx context.Context, key string) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM credentials WHERE key = $1`, key).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return credential.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking credential status: %w", err)
	}
	// The row exists but the guard blocked the write, so it must be banned.
	// A ban is final; the caller's state change is simply discarded.
	return nil
}

func scanCredential(row pgx.Row) (*credential.Credential, error) {
	var (
		key        string
		status     string
		resetTime  pgtype.Timestamptz
		usageCount int64
		lastUsed   pgtype.Timestamptz
	)
	if err := row.Scan(&key, &status, &resetTime, &usageCount, &lastUsed); err != nil {
		return nil, err
	}
	return credential.Reconstruct(
		key,
		credential.ParseStatus(status),
		resetTime.Time,
		usageCount,
		lastUsed.Time,
	), nil
}
