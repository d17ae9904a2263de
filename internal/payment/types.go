package payment

import (
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"OpenMCP-Paygate/internal/audit"
	xerrors "OpenMCP-Paygate/internal/errors"
)

// State is the position of an attempt in the payment state machine.
type State string

const (
	StateQuoted     State = "quoted"
	StateAuthorized State = "authorized"
	StateVerified   State = "verified"
	StateSettled    State = "settled"
	StateFailed     State = "failed"
)

var stateOrder = map[State]int{
	StateQuoted:     0,
	StateAuthorized: 1,
	StateVerified:   2,
	StateSettled:    3,
}

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateSettled || s == StateFailed
}

// FailureReason classifies a failed attempt.
type FailureReason string

const (
	ReasonInsufficientFunds  FailureReason = "InsufficientFunds"
	ReasonVerificationFailed FailureReason = "VerificationFailed"
	ReasonSettlementFailed   FailureReason = "SettlementFailed"
	ReasonTimeout            FailureReason = "Timeout"
	ReasonAuditUnavailable   FailureReason = "AuditUnavailable"
)

// Error codes for failed attempts.
const (
	CodeInsufficientFunds  xerrors.Code = "INSUFFICIENT_FUNDS"
	CodeVerificationFailed xerrors.Code = "VERIFICATION_FAILED"
	CodeSettlementFailed   xerrors.Code = "SETTLEMENT_FAILED"
	CodePaymentTimeout     xerrors.Code = "PAYMENT_TIMEOUT"
)

func init() {
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{
		Message:    "insufficient funds",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusPaymentRequired,
	})
	xerrors.Register(CodeVerificationFailed, xerrors.Attributes{
		Message:    "payment verification failed",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusPaymentRequired,
	})
	xerrors.Register(CodeSettlementFailed, xerrors.Attributes{
		Message:    "payment settlement failed",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusBadGateway,
	})
	xerrors.Register(CodePaymentTimeout, xerrors.Attributes{
		Message:    "payment timed out",
		Severity:   xerrors.SeverityWarning,
		Alert:      true,
		HTTPStatus: http.StatusGatewayTimeout,
	})
}

// Code maps the reason onto the error registry.
func (r FailureReason) Code() xerrors.Code {
	switch r {
	case ReasonInsufficientFunds:
		return CodeInsufficientFunds
	case ReasonVerificationFailed:
		return CodeVerificationFailed
	case ReasonSettlementFailed:
		return CodeSettlementFailed
	case ReasonTimeout:
		return CodePaymentTimeout
	case ReasonAuditUnavailable:
		return audit.CodeSinkUnavailable
	default:
		return xerrors.CodeUnknown
	}
}

// ReferenceStatus qualifies the transaction reference on a receipt.
type ReferenceStatus string

const (
	// ReferenceConfirmed: the facilitator returned a transaction hash.
	ReferenceConfirmed ReferenceStatus = "confirmed"
	// ReferenceUnverified: no hash, success inferred from the balance delta.
	ReferenceUnverified ReferenceStatus = "unverified"
)

// UnverifiedNote is attached to receipts whose success was inferred.
const UnverifiedNote = "funds moved, reference unavailable"

// Request asks the gateway to charge for one paid invocation.
type Request struct {
	ToolID    string
	Tier      string
	Price     decimal.Decimal
	Principal string
	RequestID string
}

// Attempt is one run of the state machine. It is owned by the goroutine
// running Pay and never shared.
type Attempt struct {
	ID        string
	ToolID    string
	Tier      string
	RequestID string
	Principal string
	Payee     string
	Asset     string
	Network   string
	Quote     Quote
	State     State
	CreatedAt time.Time
}

func (a *Attempt) advance(next State) error {
	if a.State.Terminal() {
		return fmt.Errorf("attempt %s already %s", a.ID, a.State)
	}
	if next == StateFailed {
		a.State = next
		return nil
	}
	if stateOrder[next] != stateOrder[a.State]+1 {
		return fmt.Errorf("attempt %s cannot move from %s to %s", a.ID, a.State, next)
	}
	a.State = next
	return nil
}

// Outcome is the single terminal result of an attempt. Amounts are in the
// payment asset's display unit.
type Outcome struct {
	AttemptID            string           `json:"attemptId"`
	Success              bool             `json:"success"`
	TransactionReference string           `json:"transactionReference,omitempty"`
	ExplorerLink         string           `json:"explorerLink,omitempty"`
	ReferenceStatus      ReferenceStatus  `json:"referenceStatus,omitempty"`
	Note                 string           `json:"note,omitempty"`
	// AuthorizationNonce 仅在 unverified 收据上给出，供与链上 AuthorizationUsed 事件对账。
	AuthorizationNonce   string           `json:"authorizationNonce,omitempty"`
	Asset                string           `json:"asset"`
	AssetSymbol          string           `json:"assetSymbol,omitempty"`
	Network              string           `json:"network"`
	Payee                string           `json:"payee"`
	Principal            string           `json:"principal"`
	AmountRequired       string           `json:"amountRequired"`
	AmountAtomic         string           `json:"amountAtomic"`
	AmountSpent          *decimal.Decimal `json:"amountSpent,omitempty"`
	BalanceBefore        *decimal.Decimal `json:"balanceBefore,omitempty"`
	BalanceAfter         *decimal.Decimal `json:"balanceAfter,omitempty"`
	FailureReason        FailureReason    `json:"failureReason,omitempty"`
	FailureDetail        string           `json:"failureDetail,omitempty"`
	Have                 string           `json:"have,omitempty"`
	Need                 string           `json:"need,omitempty"`
	SettledAt            time.Time        `json:"settledAt"`
}

// Err returns nil for a successful outcome and a registry error otherwise.
func (o Outcome) Err() error {
	if o.Success {
		return nil
	}
	msg := string(o.FailureReason)
	if o.FailureDetail != "" {
		msg += ": " + o.FailureDetail
	}
	return xerrors.New(o.FailureReason.Code(), msg, xerrors.WithMetadata("attempt_id", o.AttemptID))
}

func decimalPtr(d decimal.Decimal) *decimal.Decimal { return &d }
