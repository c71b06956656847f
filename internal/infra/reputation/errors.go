package reputation

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the service has never analyzed the given content
// hash. Only meaningful for lookups; the caller should upload the bytes.
var ErrNotFound = errors.New("hash not known to reputation service")

// ErrRateLimited indicates the service refused the request because the
// credential's quota is exhausted. Recoverable by rotating to another
// credential.
var ErrRateLimited = errors.New("reputation service rate limited credential")

// ErrCredentialNotActive indicates the service claims the credential is not
// yet active. Credential provisioning is eventually consistent, so this is
// recoverable by bounded backoff with the same credential.
var ErrCredentialNotActive = errors.New("credential not yet active")

// ErrFileTooLarge indicates the file exceeds the service's size ceiling and
// was rejected locally without consuming a request. Never retried.
var ErrFileTooLarge = errors.New("file exceeds reputation service size limit")

// PermanentError represents any other non-2xx response. Not retried; the
// task fails with no credential state change.
type PermanentError struct {
	StatusCode int
	Message    string
}

// Error returns a string representation of the error.
func (e *PermanentError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("reputation service returned status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("reputation request failed: %s", e.Message)
}
