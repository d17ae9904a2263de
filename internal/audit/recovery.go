package audit

import (
	"context"
	"fmt"
	"log/slog"

	xerrors "OpenMCP-Paygate/internal/errors"
	"OpenMCP-Paygate/internal/observability/alerting"
	"OpenMCP-Paygate/pkg/logger"
)

// CodeIncompleteAttempt flags an attempt whose trail stops before completion,
// typically after a crash.
const CodeIncompleteAttempt xerrors.Code = "AUDIT_INCOMPLETE_ATTEMPT"

func init() {
	xerrors.Register(CodeIncompleteAttempt, xerrors.Attributes{
		Message:  "payment attempt has no terminal audit entry",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// Interrupted describes an attempt found without attempt_completed.
type Interrupted struct {
	AttemptID string
	ToolID    string
	Principal string
	LastPhase Phase
	LastEntry Entry
}

// ScanInterrupted lists interrupted attempts with their last recorded phase
// and raises one alert per attempt. Settlement may or may not have happened
// for attempts stopped at verification_result or later; that is left to
// reconciliation.
func ScanInterrupted(ctx context.Context, r Reader, d alerting.Dispatcher) ([]Interrupted, error) {
	ids, err := r.Incomplete(ctx)
	if err != nil {
		return nil, fmt.Errorf("list incomplete attempts: %w", err)
	}
	log := logger.Named("audit")

	out := make([]Interrupted, 0, len(ids))
	for _, id := range ids {
		entries, err := r.ByAttempt(ctx, id)
		if err != nil {
			return out, fmt.Errorf("read attempt %s: %w", id, err)
		}
		if len(entries) == 0 {
			continue
		}
		last := entries[len(entries)-1]
		item := Interrupted{
			AttemptID: id,
			ToolID:    last.ToolID,
			Principal: last.Principal,
			LastPhase: last.Phase,
			LastEntry: last,
		}
		out = append(out, item)

		log.Warn("发现未完成的支付尝试",
			slog.String("attempt_id", id),
			slog.String("tool_id", item.ToolID),
			slog.String("last_phase", string(item.LastPhase)))

		if d != nil {
			err := xerrors.New(CodeIncompleteAttempt, fmt.Sprintf("attempt %s stopped after %s", id, item.LastPhase),
				xerrors.WithMetadata("last_phase", string(item.LastPhase)),
				xerrors.WithMetadata("principal", item.Principal))
			if nerr := d.Notify(ctx, alerting.FromError(err, id, item.ToolID)); nerr != nil {
				log.Warn("告警发送失败", slog.String("attempt_id", id), slog.String("error", nerr.Error()))
			}
		}
	}
	return out, nil
}
