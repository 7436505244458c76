package outbox

import (
	"net/http"

	"github.com/hyperengineering/outbox/internal/transport"
)

// Headers used on the wire.
const (
	// IdempotencyHeader carries the mutation's idempotency key on every request.
	IdempotencyHeader = transport.IdempotencyHeader

	// ReplayHeader is set to "true" by servers answering a key they have already processed.
	ReplayHeader = "X-Idempotency-Replay"

	// ConflictHeader is set to "true" on a 409 that reports a genuine data
	// conflict rather than an idempotency replay.
	ConflictHeader = "X-Sync-Conflict"
)

// Outcome classifies a server response to a mutation.
type Outcome int

const (
	// OutcomeSuccess is a 2xx: the write was applied.
	OutcomeSuccess Outcome = iota
	// OutcomeReplayed is a 409 answering an already processed key: the write landed earlier.
	OutcomeReplayed
	// OutcomeConflict is a 409 flagged with ConflictHeader: the server rejected the data.
	OutcomeConflict
	// OutcomeTransient is a 5xx or a missing response: retry later.
	OutcomeTransient
	// OutcomeTerminal is any other status: retrying will fail the same way.
	OutcomeTerminal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeReplayed:
		return "replayed"
	case OutcomeConflict:
		return "conflict"
	case OutcomeTransient:
		return "transient"
	case OutcomeTerminal:
		return "terminal"
	}
	return "unknown"
}

// Delivered reports whether the server has the write.
func (o Outcome) Delivered() bool {
	return o == OutcomeSuccess || o == OutcomeReplayed
}

// Classify maps a response status and headers to an Outcome.
// A status of 0 means no response was received.
func Classify(status int, header http.Header) Outcome {
	switch {
	case status == 0:
		return OutcomeTransient
	case status >= 200 && status < 300:
		return OutcomeSuccess
	case status == http.StatusConflict:
		if header.Get(ConflictHeader) == "true" {
			return OutcomeConflict
		}
		return OutcomeReplayed
	case status >= 500:
		return OutcomeTransient
	default:
		return OutcomeTerminal
	}
}
