package dispatch

import (
	"fmt"
	"net/http"

	"OpenMCP-Paygate/internal/catalog"
	xerrors "OpenMCP-Paygate/internal/errors"
	"OpenMCP-Paygate/internal/payment"
)

// Kind is the error taxonomy surfaced in envelopes.
type Kind string

const (
	KindToolNotFound       Kind = "ToolNotFound"
	KindValidationError    Kind = "ValidationError"
	KindInsufficientFunds  Kind = Kind(payment.ReasonInsufficientFunds)
	KindVerificationFailed Kind = Kind(payment.ReasonVerificationFailed)
	KindSettlementFailed   Kind = Kind(payment.ReasonSettlementFailed)
	KindTimeout            Kind = Kind(payment.ReasonTimeout)
	KindAuditUnavailable   Kind = Kind(payment.ReasonAuditUnavailable)
	KindHandlerError       Kind = "HandlerError"
)

// CodeHandlerError 表示工具处理器在执行阶段失败。
const CodeHandlerError xerrors.Code = "HANDLER_ERROR"

func init() {
	xerrors.Register(CodeHandlerError, xerrors.Attributes{
		Message:    "tool handler failed",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusInternalServerError,
	})
}

// Code maps the kind onto the error registry.
func (k Kind) Code() xerrors.Code {
	switch k {
	case KindToolNotFound:
		return catalog.CodeToolNotFound
	case KindValidationError:
		return catalog.CodeValidation
	case KindHandlerError:
		return CodeHandlerError
	case "":
		return ""
	default:
		return payment.FailureReason(k).Code()
	}
}

// HTTPStatus is the status the REST transport answers with.
func (k Kind) HTTPStatus() int {
	if k == "" {
		return http.StatusOK
	}
	return xerrors.AttributesOf(k.Code()).HTTPStatus
}

// Envelope is returned for every invocation, paid or free.
type Envelope struct {
	Success        bool             `json:"success"`
	Tool           string           `json:"tool"`
	Tier           catalog.Tier     `json:"tier,omitempty"`
	RequestID      string           `json:"requestId,omitempty"`
	AttemptID      string           `json:"attemptId,omitempty"`
	PaymentReceipt *payment.Outcome `json:"paymentReceipt,omitempty"`
	Data           any              `json:"data,omitempty"`
	Error          Kind             `json:"error,omitempty"`
	ErrorDetail    string           `json:"errorDetail,omitempty"`
	Have           string           `json:"have,omitempty"`
	Need           string           `json:"need,omitempty"`
	Charged        bool             `json:"charged"`
	Suggestion     string           `json:"suggestion,omitempty"`

	principal string
}

// Err converts a failed envelope into a registry error.
func (e Envelope) Err() error {
	if e.Success {
		return nil
	}
	opts := []xerrors.Option{xerrors.WithMetadata("tool", e.Tool)}
	if e.AttemptID != "" {
		opts = append(opts, xerrors.WithMetadata("attempt_id", e.AttemptID))
	}
	msg := string(e.Error)
	if e.ErrorDetail != "" {
		msg += ": " + e.ErrorDetail
	}
	return xerrors.New(e.Error.Code(), msg, opts...)
}

// suggest returns the remediation hint for a failed invocation.
func suggest(kind Kind, env Envelope, settings payment.Settings) string {
	symbol := settings.AssetSymbol
	if symbol == "" {
		symbol = "tokens"
	}
	switch kind {
	case KindToolNotFound:
		return "List the available tools and retry with one of their ids."
	case KindValidationError:
		return "Fix the arguments so they match the tool's input schema. No payment was attempted."
	case KindInsufficientFunds:
		return fmt.Sprintf("This %s tool needs %s %s on %s but the wallet %s holds %s. Top up the wallet and invoke again.",
			env.Tier, env.Need, symbol, settings.Network, env.principal, env.Have)
	case KindVerificationFailed:
		return "The payment authorization was rejected before any funds moved. Check that the signing key controls the paying wallet and that the asset and network settings match the facilitator."
	case KindSettlementFailed:
		return fmt.Sprintf("Settlement did not complete and no %s left the wallet. Invoke again to start a new payment.", symbol)
	case KindTimeout:
		return fmt.Sprintf("The payment did not finish in time. Look up attempt %s before invoking again so you are not charged twice.", env.AttemptID)
	case KindAuditUnavailable:
		return "The payment audit log is unavailable so no payment was attempted. Try again later."
	case KindHandlerError:
		if env.Charged {
			return fmt.Sprintf("The payment went through but the tool failed. Keep attempt id %s for reconciliation with the operator.", env.AttemptID)
		}
		return "The tool failed. You were not charged; try again later."
	default:
		return ""
	}
}
