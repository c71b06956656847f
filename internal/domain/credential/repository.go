package credential

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no credential exists for a key.
var ErrNotFound = errors.New("credential not found")

// Repository defines the persistence operations for the shared credential
// pool. Many executors race on the same rows, so every mutation must be
// atomic per credential: usage increments never lose updates, and a
// concurrent ban is never overwritten by a stale limited or active write.
type Repository interface {
	// Add registers new keys as active credentials. Keys already present are
	// left untouched. Returns which keys were inserted and which were skipped
	// as duplicates.
	Add(ctx context.Context, keys []string) (inserted, skipped []string, err error)

	// AcquireLeastUsed returns a selectable credential with the lowest usage
	// count, first sweeping any limited credentials whose cooldown elapsed
	// before now back to active. The sweep and the selection happen as one
	// atomic operation. Returns (nil, nil) when no credential is selectable.
	AcquireLeastUsed(ctx context.Context, now time.Time) (*Credential, error)

	// RecordUse atomically charges the credential for one network request.
	RecordUse(ctx context.Context, key string, now time.Time) error

	// MarkLimited takes the credential out of rotation until resetAt. A
	// banned credential is left untouched.
	MarkLimited(ctx context.Context, key string, resetAt time.Time) error

	// MarkBanned permanently removes the credential from rotation.
	MarkBanned(ctx context.Context, key string) error

	// Get retrieves one credential by key. Returns ErrNotFound when the key
	// is not in the pool.
	Get(ctx context.Context, key string) (*Credential, error)

	// List returns every credential in the pool.
	List(ctx context.Context) ([]*Credential, error)
}
