package scanning

import "encoding/json"

// Verdict is the reputation service's classification payload for a file.
// The dispatcher treats it as opaque: it is stored and served back to
// callers verbatim, never interpreted.
type Verdict struct {
	data json.RawMessage
}

// NewVerdict wraps a raw verdict payload.
func NewVerdict(data json.RawMessage) Verdict {
	return Verdict{data: data}
}

// Data returns the raw verdict payload.
func (v Verdict) Data() json.RawMessage { return v.data }

// IsZero reports whether the verdict carries no payload.
func (v Verdict) IsZero() bool { return len(v.data) == 0 }
