package audit

import (
	"context"
	"net/http"
	"sort"

	xerrors "OpenMCP-Paygate/internal/errors"
)

// CodeSinkUnavailable marks an audit write that did not become durable.
const CodeSinkUnavailable xerrors.Code = "AUDIT_UNAVAILABLE"

func init() {
	xerrors.Register(CodeSinkUnavailable, xerrors.Attributes{
		Message:    "audit sink unavailable",
		Severity:   xerrors.SeverityCritical,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusServiceUnavailable,
	})
}

// Sink appends entries. Record returns the entry as stored, with sequence
// and hash filled in, only once it is durable.
type Sink interface {
	Record(ctx context.Context, entry Entry) (Entry, error)
}

// Reader answers reconciliation queries against a sink.
type Reader interface {
	ByAttempt(ctx context.Context, attemptID string) ([]Entry, error)
	Incomplete(ctx context.Context) ([]string, error)
}

// Store is a sink that can be read back and closed.
type Store interface {
	Sink
	Reader
	Close() error
}

// incompleteAttempts returns attempt ids, in first-seen order, that have no
// attempt_completed entry.
func incompleteAttempts(entries []Entry) []string {
	first := make(map[string]uint64)
	done := make(map[string]bool)
	for _, e := range entries {
		if _, ok := first[e.AttemptID]; !ok {
			first[e.AttemptID] = e.Sequence
		}
		if e.Phase == PhaseAttemptCompleted {
			done[e.AttemptID] = true
		}
	}
	var out []string
	for id := range first {
		if !done[id] {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return first[out[i]] < first[out[j]] })
	return out
}
