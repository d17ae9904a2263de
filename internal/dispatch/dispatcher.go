package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"OpenMCP-Paygate/internal/catalog"
	xerrors "OpenMCP-Paygate/internal/errors"
	"OpenMCP-Paygate/internal/observability/metrics"
	"OpenMCP-Paygate/internal/payment"
	"OpenMCP-Paygate/pkg/logger"
)

// Gate charges for a paid invocation. *payment.Gateway satisfies it.
type Gate interface {
	Pay(ctx context.Context, req payment.Request) payment.Outcome
	Settings() payment.Settings
	SignerAddress() string
}

var _ Gate = (*payment.Gateway)(nil)

// unknownToolLabel 是目录外工具 id 在指标中共用的标签。
const unknownToolLabel = "_unknown"

// Request 是一次工具调用请求。
type Request struct {
	ToolID    string         `json:"toolId"`
	Arguments map[string]any `json:"arguments"`
	Principal string         `json:"principal,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
}

// Dispatcher 负责目录查询、参数校验、支付门控与处理器执行。
type Dispatcher struct {
	catalog  *catalog.Catalog
	registry *Registry
	gate     Gate
	log      *slog.Logger
}

// New 构造调度器，并在启动时将处理器与目录对账。
func New(c *catalog.Catalog, registry *Registry, gate Gate) (*Dispatcher, error) {
	if registry == nil {
		return nil, errors.New("dispatcher requires a handler registry")
	}
	if err := registry.Bind(c); err != nil {
		return nil, err
	}
	for _, desc := range c.List() {
		if desc.Tier.Paid() && gate == nil {
			return nil, fmt.Errorf("tool %s is %s but no payment gateway is configured", desc.ID, desc.Tier)
		}
	}
	return &Dispatcher{
		catalog:  c,
		registry: registry,
		gate:     gate,
		log:      logger.Named("dispatch"),
	}, nil
}

// Catalog 返回只读工具目录。
func (d *Dispatcher) Catalog() *catalog.Catalog { return d.catalog }

// Invoke 执行一次调用，任何失败都以信封返回，不会向调用方抛出 panic。
func (d *Dispatcher) Invoke(ctx context.Context, req Request) Envelope {
	requestID := strings.TrimSpace(req.RequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	env := Envelope{Tool: req.ToolID, RequestID: requestID}

	desc, err := d.catalog.Lookup(req.ToolID)
	if err != nil {
		return d.finish(env, KindToolNotFound, err.Error(), payment.Settings{})
	}
	env.Tier = desc.Tier

	reg, ok := d.registry.lookup(desc.ID)
	if !ok {
		return d.finish(env, KindToolNotFound, fmt.Sprintf("tool %q has no handler", desc.ID), payment.Settings{})
	}

	args := desc.Sanitize(req.Arguments)
	if err := desc.Validate(args); err != nil {
		detail := err.Error()
		if xe, ok := xerrors.From(err); ok {
			detail = xe.Message()
		}
		return d.finish(env, KindValidationError, detail, payment.Settings{})
	}

	principal := strings.TrimSpace(req.Principal)
	if principal != "" && !common.IsHexAddress(principal) {
		return d.finish(env, KindValidationError, fmt.Sprintf("principal %q is not a hex EVM address", truncate(principal, 80)), payment.Settings{})
	}

	call := Call{
		ToolID:    desc.ID,
		Tier:      desc.Tier,
		RequestID: requestID,
		Principal: principal,
		Arguments: args,
	}

	var settings payment.Settings
	if desc.Tier.Paid() {
		settings = d.gate.Settings()
		outcome := d.gate.Pay(ctx, payment.Request{
			ToolID:    desc.ID,
			Tier:      string(desc.Tier),
			Price:     desc.Price,
			Principal: call.Principal,
			RequestID: requestID,
		})
		env.AttemptID = outcome.AttemptID
		if !outcome.Success {
			env.Have = outcome.Have
			env.Need = outcome.Need
			env.principal = outcome.Principal
			return d.finish(env, Kind(outcome.FailureReason), outcome.FailureDetail, settings)
		}
		env.PaymentReceipt = &outcome
		env.Charged = true
		call.Receipt = &outcome
		call.Principal = outcome.Principal
	} else if call.Principal == "" && d.gate != nil {
		call.Principal = d.gate.SignerAddress()
	}

	data, err := d.runHandler(ctx, reg.handler, call)
	if err != nil {
		return d.finish(env, KindHandlerError, err.Error(), settings)
	}
	env.Success = true
	env.Data = data
	return d.finish(env, "", "", settings)
}

func (d *Dispatcher) runHandler(ctx context.Context, h Handler, call Call) (data any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			d.log.Error("工具处理器 panic",
				slog.String("tool_id", call.ToolID),
				slog.String("request_id", call.RequestID),
				slog.Any("panic", recovered),
				slog.String("stack", string(debug.Stack())))
			data = nil
			err = fmt.Errorf("handler panicked: %v", recovered)
		}
	}()
	return h.Handle(ctx, call)
}

func (d *Dispatcher) finish(env Envelope, kind Kind, detail string, settings payment.Settings) Envelope {
	result := "ok"
	if kind != "" {
		env.Success = false
		env.Error = kind
		env.ErrorDetail = detail
		env.Suggestion = suggest(kind, env, settings)
		result = string(kind)
	}
	tool := env.Tool
	if env.Tier == "" {
		tool = unknownToolLabel
	}
	metrics.ObserveInvocation(tool, string(env.Tier), result)

	attrs := []any{
		slog.String("tool_id", env.Tool),
		slog.String("tier", string(env.Tier)),
		slog.String("request_id", env.RequestID),
		slog.Bool("charged", env.Charged),
	}
	if env.AttemptID != "" {
		attrs = append(attrs, slog.String("attempt_id", env.AttemptID))
	}
	switch kind {
	case "":
		d.log.Info("工具调用完成", attrs...)
	case KindHandlerError:
		d.log.Error("工具执行失败", append(attrs, slog.String("detail", detail))...)
	default:
		d.log.Warn("工具调用被拒绝", append(attrs, slog.String("error", string(kind)), slog.String("detail", detail))...)
	}
	return env
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
