package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"OpenMCP-Paygate/internal/catalog"
	"OpenMCP-Paygate/internal/payment"
)

// Call 是传递给工具处理器的一次调用。
type Call struct {
	ToolID    string
	Tier      catalog.Tier
	RequestID string
	Principal string
	Arguments map[string]any
	// Receipt 仅在付费工具结算成功后设置。
	Receipt *payment.Outcome
}

// Handler 执行一个工具。
type Handler interface {
	Handle(ctx context.Context, call Call) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, call Call) (any, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, call Call) (any, error) { return f(ctx, call) }

type registration struct {
	tier    catalog.Tier
	handler Handler
}

// Registry maps tool ids to tier-tagged handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]registration
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]registration)}
}

// Register 注册处理器，重复注册返回错误。
func (r *Registry) Register(id string, tier catalog.Tier, h Handler) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("handler id is empty")
	}
	if h == nil {
		return fmt.Errorf("handler %s is nil", id)
	}
	if _, err := catalog.ParseTier(string(tier)); err != nil {
		return fmt.Errorf("handler %s: %w", id, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[id]; exists {
		return fmt.Errorf("handler %s already registered", id)
	}
	r.handlers[id] = registration{tier: tier, handler: h}
	return nil
}

// MustRegister panics on registration errors. Intended for init-time wiring.
func (r *Registry) MustRegister(id string, tier catalog.Tier, h Handler) {
	if err := r.Register(id, tier, h); err != nil {
		panic(err)
	}
}

// IDs returns the registered tool ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Handler returns the handler registered for id.
func (r *Registry) Handler(id string) (Handler, bool) {
	reg, ok := r.lookup(id)
	return reg.handler, ok
}

func (r *Registry) lookup(id string) (registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[id]
	return reg, ok
}

// Bind 将注册表与目录对账：目录中缺少处理器、处理器不在目录中、或级别不一致都会返回错误。
func (r *Registry) Bind(c *catalog.Catalog) error {
	if c == nil {
		return fmt.Errorf("catalog is nil")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var problems []string
	seen := make(map[string]struct{}, c.Len())
	for _, desc := range c.List() {
		seen[desc.ID] = struct{}{}
		reg, ok := r.handlers[desc.ID]
		if !ok {
			problems = append(problems, fmt.Sprintf("tool %s has no handler", desc.ID))
			continue
		}
		if reg.tier != desc.Tier {
			problems = append(problems, fmt.Sprintf("tool %s is %s in the catalog but its handler is %s", desc.ID, desc.Tier, reg.tier))
		}
	}
	extra := make([]string, 0)
	for id := range r.handlers {
		if _, ok := seen[id]; !ok {
			extra = append(extra, id)
		}
	}
	sort.Strings(extra)
	for _, id := range extra {
		problems = append(problems, fmt.Sprintf("handler %s has no catalog entry", id))
	}
	if len(problems) > 0 {
		return fmt.Errorf("catalog and handlers disagree: %s", strings.Join(problems, "; "))
	}
	return nil
}
