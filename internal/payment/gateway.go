package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	v2 "github.com/mark3labs/x402-go/v2"
	"github.com/shopspring/decimal"

	"OpenMCP-Paygate/internal/audit"
	xerrors "OpenMCP-Paygate/internal/errors"
	"OpenMCP-Paygate/internal/observability/alerting"
	"OpenMCP-Paygate/internal/observability/metrics"
	"OpenMCP-Paygate/pkg/logger"
)

// BalanceOracle reads the principal's spendable balance in the payment asset.
type BalanceOracle interface {
	SpendableBalance(ctx context.Context, principal string) (decimal.Decimal, error)
}

// Option customises a Gateway.
type Option func(*Gateway)

// WithConverter replaces the price converter.
func WithConverter(c Converter) Option {
	return func(g *Gateway) {
		if c != nil {
			g.converter = c
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// WithAlerting routes critical payment events to d.
func WithAlerting(d alerting.Dispatcher) Option {
	return func(g *Gateway) { g.alerts = d }
}

// WithIDGenerator overrides attempt id generation.
func WithIDGenerator(gen func(toolID string) string) Option {
	return func(g *Gateway) {
		if gen != nil {
			g.newID = gen
		}
	}
}

// WithSleep overrides the wait between settlement balance rechecks.
func WithSleep(sleep func(context.Context, time.Duration)) Option {
	return func(g *Gateway) {
		if sleep != nil {
			g.sleep = sleep
		}
	}
}

// Gateway drives paid invocations through quote, authorize, verify and
// settle. It keeps no state between attempts.
type Gateway struct {
	settings    Settings
	oracle      BalanceOracle
	authorizer  Authorizer
	facilitator Facilitator
	sink        audit.Sink
	converter   Converter
	alerts      alerting.Dispatcher
	now         func() time.Time
	newID       func(toolID string) string
	sleep       func(context.Context, time.Duration)
	log         *slog.Logger
}

// NewGateway wires the collaborators.
func NewGateway(s Settings, oracle BalanceOracle, authorizer Authorizer, facilitator Facilitator, sink audit.Sink, opts ...Option) (*Gateway, error) {
	switch {
	case oracle == nil:
		return nil, errors.New("payment gateway requires a balance oracle")
	case authorizer == nil:
		return nil, errors.New("payment gateway requires an authorizer")
	case facilitator == nil:
		return nil, errors.New("payment gateway requires a facilitator")
	case sink == nil:
		return nil, errors.New("payment gateway requires an audit sink")
	}
	if s.RecheckAttempts <= 0 {
		s.RecheckAttempts = 1
	}
	g := &Gateway{
		settings:    s,
		oracle:      oracle,
		authorizer:  authorizer,
		facilitator: facilitator,
		sink:        sink,
		converter:   RateConverter{Rate: decimal.NewFromInt(1), Decimals: int32(s.Decimals)},
		now:         time.Now,
		newID:       NewAttemptID,
		sleep:       sleepContext,
		log:         logger.Named("payment"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g, nil
}

// Settings returns the gateway's payment parameters.
func (g *Gateway) Settings() Settings { return g.settings }

// SignerAddress is the wallet that signs authorizations.
func (g *Gateway) SignerAddress() string { return g.authorizer.Address() }

// NewAttemptID returns "<tool>-<unix millis>-<8 hex>".
func NewAttemptID(toolID string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%d-%s", toolID, time.Now().UnixMilli(), suffix)
}

// run carries one attempt through the phases.
type run struct {
	g          *Gateway
	attempt    *Attempt
	started    time.Time
	dispatched bool
	outcome    Outcome
}

// Pay runs one attempt to its terminal state and returns the outcome. Pay
// never returns without an attempt_completed entry having been attempted.
func (g *Gateway) Pay(ctx context.Context, req Request) Outcome {
	principal := strings.TrimSpace(req.Principal)
	if principal == "" {
		principal = g.authorizer.Address()
	}
	attempt := &Attempt{
		ID:        g.newID(req.ToolID),
		ToolID:    req.ToolID,
		Tier:      req.Tier,
		RequestID: req.RequestID,
		Principal: principal,
		Payee:     g.settings.Payee,
		Asset:     g.settings.Asset,
		Network:   g.settings.Network,
		State:     StateQuoted,
		CreatedAt: g.now().UTC(),
	}
	r := &run{g: g, attempt: attempt, started: g.now()}
	r.outcome = Outcome{
		AttemptID:   attempt.ID,
		Asset:       attempt.Asset,
		AssetSymbol: g.settings.AssetSymbol,
		Network:     attempt.Network,
		Payee:       attempt.Payee,
		Principal:   attempt.Principal,
	}

	quote, err := g.converter.Convert(req.Price)
	if err != nil {
		// No authorization can be built without an amount.
		return r.fail(ctx, ReasonVerificationFailed, "price conversion: "+err.Error())
	}
	attempt.Quote = quote
	r.outcome.AmountRequired = quote.Amount.String()
	r.outcome.AmountAtomic = quote.Atomic.String()

	if err := r.record(ctx, audit.PhaseAttemptStarted, audit.ResultStarted, nil); err != nil {
		return r.fail(ctx, ReasonAuditUnavailable, err.Error())
	}

	balance, err := g.readBalance(ctx, principal)
	if err != nil {
		reason := ReasonInsufficientFunds
		if isTimeout(err) {
			reason = ReasonTimeout
		}
		detail := "balance unavailable: " + err.Error()
		r.outcome.Have = decimal.Zero.String()
		r.outcome.Need = quote.Amount.String()
		_ = r.record(ctx, audit.PhaseBalanceChecked, audit.ResultFailed, func(e *audit.Entry) {
			e.FailureReason = string(reason)
			e.Detail = detail
		})
		return r.fail(ctx, reason, detail)
	}
	if balance.LessThan(quote.Amount) {
		r.outcome.Have = balance.String()
		r.outcome.Need = quote.Amount.String()
		_ = r.record(ctx, audit.PhaseBalanceChecked, audit.ResultFailed, func(e *audit.Entry) {
			e.Balance = balance.String()
			e.FailureReason = string(ReasonInsufficientFunds)
		})
		return r.fail(ctx, ReasonInsufficientFunds, fmt.Sprintf("have %s, need %s", balance, quote.Amount))
	}
	if err := r.record(ctx, audit.PhaseBalanceChecked, audit.ResultOK, func(e *audit.Entry) {
		e.Balance = balance.String()
	}); err != nil {
		return r.fail(ctx, ReasonAuditUnavailable, err.Error())
	}
	r.advance(StateAuthorized)

	// From here on the attempt runs to completion even if the caller leaves.
	ctx = context.WithoutCancel(ctx)

	requirements := g.settings.Requirements(quote)
	payload, detail := g.authorize(ctx, principal, requirements)
	if payload == nil {
		_ = r.record(ctx, audit.PhaseAuthorizationBuilt, audit.ResultFailed, func(e *audit.Entry) {
			e.FailureReason = string(ReasonVerificationFailed)
			e.Detail = detail
		})
		return r.fail(ctx, ReasonVerificationFailed, detail)
	}
	if err := r.record(ctx, audit.PhaseAuthorizationBuilt, audit.ResultOK, func(e *audit.Entry) {
		e.ValidBefore = validBefore(payload)
	}); err != nil {
		return r.fail(ctx, ReasonAuditUnavailable, err.Error())
	}

	reason, detail := g.verify(ctx, *payload, requirements)
	if reason != "" {
		_ = r.record(ctx, audit.PhaseVerificationResult, audit.ResultFailed, func(e *audit.Entry) {
			e.FailureReason = string(reason)
			e.Detail = detail
		})
		return r.fail(ctx, reason, detail)
	}
	if err := r.record(ctx, audit.PhaseVerificationResult, audit.ResultOK, nil); err != nil {
		return r.fail(ctx, ReasonAuditUnavailable, err.Error())
	}
	r.advance(StateVerified)

	before, err := g.readBalance(ctx, principal)
	if err != nil {
		before = balance
	}
	return r.settle(ctx, *payload, requirements, before)
}

func (r *run) settle(ctx context.Context, payload v2.PaymentPayload, requirements v2.PaymentRequirements, before decimal.Decimal) Outcome {
	g := r.g
	required := r.attempt.Quote.Amount

	settleCtx, cancel := context.WithTimeout(ctx, g.settings.SettleTimeout)
	r.dispatched = true
	resp, err := g.facilitator.Settle(settleCtx, payload, requirements)
	timedOut := isTimeout(err) || errors.Is(settleCtx.Err(), context.DeadlineExceeded)
	cancel()

	r.outcome.BalanceBefore = decimalPtr(before)

	if err == nil && resp != nil && resp.Success && resp.Transaction != "" {
		if after, aerr := g.readBalance(ctx, r.attempt.Principal); aerr == nil {
			r.outcome.BalanceAfter = decimalPtr(after)
		}
		return r.succeed(ctx, resp.Transaction, ReferenceConfirmed)
	}

	detail := settleDetail(resp, err)
	after, moved := g.recheckFundsMoved(ctx, r.attempt.Principal, before, required)
	if after != nil {
		r.outcome.BalanceAfter = after
	}
	if moved {
		r.outcome.Note = UnverifiedNote
		r.outcome.AuthorizationNonce = authorizationNonce(&payload)
		g.log.Warn("结算未返回交易哈希，按余额变化判定成功",
			slog.String("attempt_id", r.attempt.ID),
			slog.String("nonce", r.outcome.AuthorizationNonce),
			slog.String("detail", detail))
		return r.succeed(ctx, "", ReferenceUnverified)
	}

	reason := ReasonSettlementFailed
	if timedOut {
		reason = ReasonTimeout
	}
	r.recordAfterDispatch(ctx, audit.PhaseSettlementResult, audit.ResultFailed, func(e *audit.Entry) {
		e.FailureReason = string(reason)
		e.Detail = detail
	})
	return r.fail(ctx, reason, detail)
}

// recheckFundsMoved re-reads the balance until it shows the charge or the
// recheck budget runs out.
func (g *Gateway) recheckFundsMoved(ctx context.Context, principal string, before, required decimal.Decimal) (*decimal.Decimal, bool) {
	var last *decimal.Decimal
	for i := 0; i < g.settings.RecheckAttempts; i++ {
		if i > 0 {
			g.sleep(ctx, g.settings.RecheckInterval)
		}
		after, err := g.readBalance(ctx, principal)
		if err != nil {
			continue
		}
		last = decimalPtr(after)
		if FundsMoved(before, after, required) {
			return last, true
		}
	}
	return last, false
}

// FundsMoved is the settlement fallback rule: the charge is considered
// taken iff after <= before - required.
func FundsMoved(before, after, required decimal.Decimal) bool {
	return after.LessThanOrEqual(before.Sub(required))
}

func (g *Gateway) authorize(ctx context.Context, principal string, req v2.PaymentRequirements) (*v2.PaymentPayload, string) {
	signer := g.authorizer.Address()
	if !strings.EqualFold(signer, principal) {
		return nil, fmt.Sprintf("principal %s is not controlled by signer %s", principal, signer)
	}
	payload, err := g.authorizer.Authorize(ctx, req)
	if err != nil {
		return nil, err.Error()
	}
	if payload == nil {
		return nil, "authorizer returned no payload"
	}
	return payload, ""
}

func (g *Gateway) verify(ctx context.Context, payload v2.PaymentPayload, req v2.PaymentRequirements) (FailureReason, string) {
	verifyCtx, cancel := context.WithTimeout(ctx, g.settings.VerifyTimeout)
	defer cancel()

	resp, err := g.facilitator.Verify(verifyCtx, payload, req)
	if err != nil {
		if isTimeout(err) || errors.Is(verifyCtx.Err(), context.DeadlineExceeded) {
			return ReasonTimeout, err.Error()
		}
		return ReasonVerificationFailed, err.Error()
	}
	if resp == nil {
		return ReasonVerificationFailed, "verifier returned no response"
	}
	if !resp.IsValid {
		detail := resp.InvalidReason
		if resp.InvalidMessage != "" {
			if detail != "" {
				detail += ": "
			}
			detail += resp.InvalidMessage
		}
		if detail == "" {
			detail = "invalid payment"
		}
		return ReasonVerificationFailed, detail
	}
	return "", ""
}

func (g *Gateway) readBalance(ctx context.Context, principal string) (decimal.Decimal, error) {
	timeout := g.settings.BalanceTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	balanceCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return g.oracle.SpendableBalance(balanceCtx, principal)
}

func (r *run) advance(next State) {
	if err := r.attempt.advance(next); err != nil {
		r.g.log.Error("非法状态迁移", slog.String("attempt_id", r.attempt.ID), slog.String("error", err.Error()))
	}
}

func (r *run) succeed(ctx context.Context, tx string, status ReferenceStatus) Outcome {
	r.advance(StateSettled)
	required := r.attempt.Quote.Amount
	o := &r.outcome
	o.Success = true
	o.TransactionReference = tx
	o.ExplorerLink = r.g.settings.ExplorerLink(tx)
	o.ReferenceStatus = status
	o.AmountSpent = decimalPtr(required)
	o.SettledAt = r.g.now().UTC()

	r.recordAfterDispatch(ctx, audit.PhaseSettlementResult, audit.ResultOK, func(e *audit.Entry) {
		e.TxReference = tx
		e.ReferenceStatus = string(status)
		e.Detail = o.Note
		if o.AuthorizationNonce != "" {
			e.Detail += "; authorization nonce " + o.AuthorizationNonce
		}
	})
	r.recordAfterDispatch(ctx, audit.PhaseAttemptCompleted, string(StateSettled), func(e *audit.Entry) {
		e.TxReference = tx
		e.ReferenceStatus = string(status)
	})
	r.observe()
	r.g.log.Info("支付完成",
		slog.String("attempt_id", r.attempt.ID),
		slog.String("tool_id", r.attempt.ToolID),
		slog.String("amount", required.String()),
		slog.String("reference_status", string(status)))
	return *o
}

func (r *run) fail(ctx context.Context, reason FailureReason, detail string) Outcome {
	if r.attempt.State != StateFailed {
		r.advance(StateFailed)
	}
	o := &r.outcome
	o.Success = false
	o.FailureReason = reason
	o.FailureDetail = detail
	o.SettledAt = r.g.now().UTC()

	complete := func(e *audit.Entry) {
		e.FailureReason = string(reason)
		e.Detail = detail
	}
	if r.dispatched {
		r.recordAfterDispatch(ctx, audit.PhaseAttemptCompleted, string(StateFailed), complete)
	} else if reason != ReasonAuditUnavailable {
		if err := r.record(ctx, audit.PhaseAttemptCompleted, string(StateFailed), complete); err != nil {
			r.g.log.Error("审计写入失败", slog.String("attempt_id", r.attempt.ID), slog.String("error", err.Error()))
		}
	}

	r.observe()
	r.g.log.Warn("支付失败",
		slog.String("attempt_id", r.attempt.ID),
		slog.String("tool_id", r.attempt.ToolID),
		slog.String("reason", string(reason)),
		slog.String("detail", detail))
	if err := o.Err(); r.g.alerts != nil && (reason == ReasonSettlementFailed || reason == ReasonAuditUnavailable || (reason == ReasonTimeout && r.dispatched)) {
		r.notify(ctx, err)
	}
	return *o
}

// record writes one phase entry before the next network call is issued.
func (r *run) record(ctx context.Context, phase audit.Phase, result string, mutate func(*audit.Entry)) error {
	a := r.attempt
	entry := audit.Entry{
		AttemptID:      a.ID,
		ToolID:         a.ToolID,
		Tier:           a.Tier,
		Phase:          phase,
		Result:         result,
		Principal:      a.Principal,
		Payee:          a.Payee,
		Asset:          a.Asset,
		AssetSymbol:    r.g.settings.AssetSymbol,
		Network:        a.Network,
		RequiredAmount: a.Quote.Amount.String(),
	}
	if a.Quote.Atomic != nil {
		entry.RequiredAtomic = a.Quote.Atomic.String()
	}
	if r.outcome.BalanceBefore != nil {
		entry.BalanceBefore = r.outcome.BalanceBefore.String()
	}
	if r.outcome.BalanceAfter != nil {
		entry.BalanceAfter = r.outcome.BalanceAfter.String()
	}
	if mutate != nil {
		mutate(&entry)
	}
	if _, err := r.g.sink.Record(ctx, entry); err != nil {
		return fmt.Errorf("record %s: %w", phase, err)
	}
	return nil
}

// recordAfterDispatch is used once settlement may have moved funds: the
// attempt cannot be abandoned, so a failed write is logged and alerted.
func (r *run) recordAfterDispatch(ctx context.Context, phase audit.Phase, result string, mutate func(*audit.Entry)) {
	if err := r.record(ctx, phase, result, mutate); err != nil {
		r.g.log.Error("结算后审计写入失败",
			slog.String("attempt_id", r.attempt.ID),
			slog.String("phase", string(phase)),
			slog.String("error", err.Error()))
		r.notify(ctx, xerrors.Wrap(audit.CodeSinkUnavailable, err, "audit write after settlement dispatch"))
	}
}

func (r *run) notify(ctx context.Context, err error) {
	if r.g.alerts == nil || err == nil {
		return
	}
	event := alerting.FromError(err, r.attempt.ID, r.attempt.ToolID)
	if event.Metadata == nil {
		event.Metadata = map[string]string{}
	}
	event.Metadata["principal"] = r.attempt.Principal
	event.Metadata["amount"] = r.attempt.Quote.Amount.String()
	if nerr := r.g.alerts.Notify(context.WithoutCancel(ctx), event); nerr != nil {
		r.g.log.Warn("告警发送失败", slog.String("attempt_id", r.attempt.ID), slog.String("error", nerr.Error()))
	}
}

func (r *run) observe() {
	result := string(r.attempt.State)
	if r.outcome.FailureReason != "" {
		result = string(r.outcome.FailureReason)
	}
	var charged float64
	if r.outcome.Success {
		charged = r.attempt.Quote.Amount.InexactFloat64()
	}
	metrics.ObservePayment(r.attempt.Tier, result, charged, r.g.now().Sub(r.started))
}

func settleDetail(resp *v2.SettleResponse, err error) string {
	if err != nil {
		return err.Error()
	}
	if resp == nil {
		return "facilitator returned no settlement response"
	}
	var parts []string
	if resp.ErrorReason != "" {
		parts = append(parts, resp.ErrorReason)
	}
	if resp.ErrorMessage != "" {
		parts = append(parts, resp.ErrorMessage)
	}
	if len(parts) == 0 {
		if resp.Success {
			return "settlement reported success without a transaction reference"
		}
		return "settlement returned no transaction reference"
	}
	return strings.Join(parts, ": ")
}

func isTimeout(err error) bool {
	return err != nil && errors.Is(err, context.DeadlineExceeded)
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
