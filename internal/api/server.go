package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"OpenMCP-Paygate/internal/audit"
	"OpenMCP-Paygate/internal/catalog"
	"OpenMCP-Paygate/internal/dispatch"
	"OpenMCP-Paygate/internal/observability/metrics"
	"OpenMCP-Paygate/pkg/logger"
)

// HeaderRequestID 用于关联一次请求与其响应。
const HeaderRequestID = "X-Request-ID"

const maxBodyBytes = 1 << 20

// Invoker 是 API 层依赖的调度能力，*dispatch.Dispatcher 满足该接口。
type Invoker interface {
	Invoke(ctx context.Context, req dispatch.Request) dispatch.Envelope
	Catalog() *catalog.Catalog
}

// Option 定制 Server。
type Option func(*Server)

// WithAuditReader 开启 /api/v1/attempts/{id} 查询。
func WithAuditReader(r audit.Reader) Option {
	return func(s *Server) { s.audit = r }
}

// WithMCPHandler 在 path 上挂载 MCP Streamable HTTP 处理器。
func WithMCPHandler(path string, h http.Handler) Option {
	return func(s *Server) {
		if h == nil {
			return
		}
		if path == "" {
			path = "/mcp"
		}
		s.mcpPath = path
		s.mcp = h
	}
}

// Server 负责暴露 REST 接口与 MCP 端点。
type Server struct {
	addr    string
	invoker Invoker
	audit   audit.Reader
	mcpPath string
	mcp     http.Handler
	log     *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, invoker Invoker, opts ...Option) *Server {
	s := &Server{addr: addr, invoker: invoker, log: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回带有请求 ID 与指标埋点的路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/invoke", instrument("invoke", http.HandlerFunc(s.handleInvoke)))
	mux.Handle("GET /api/v1/tools", instrument("tools", http.HandlerFunc(s.handleTools)))
	mux.Handle("GET /api/v1/attempts/{id}", instrument("attempt", http.HandlerFunc(s.handleAttempt)))
	mux.Handle("GET /healthz", instrument("healthz", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /metrics", metrics.Handler())
	if s.mcp != nil {
		mux.Handle(s.mcpPath, instrument("mcp", s.mcp))
	}
	return withRequestID(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("addr", s.addr), slog.String("mcp_path", s.mcpPath))

	select {
	case <-ctx.Done():
		// 在途结算最多等待 90 秒。
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type invokeRequest struct {
	ToolID    string         `json:"toolId"`
	Arguments map[string]any `json:"arguments"`
	Principal string         `json:"principal,omitempty"`
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if s.invoker == nil {
		writeError(w, http.StatusServiceUnavailable, "调度器未初始化")
		return
	}
	var req invokeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	if strings.TrimSpace(req.ToolID) == "" {
		writeError(w, http.StatusBadRequest, "toolId 不能为空")
		return
	}

	env := s.invoker.Invoke(r.Context(), dispatch.Request{
		ToolID:    req.ToolID,
		Arguments: req.Arguments,
		Principal: req.Principal,
		RequestID: w.Header().Get(HeaderRequestID),
	})
	writeJSON(w, env.Error.HTTPStatus(), env)
}

type toolView struct {
	ID          string          `json:"id"`
	Tier        catalog.Tier    `json:"tier"`
	Price       string          `json:"price"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	if s.invoker == nil {
		writeError(w, http.StatusServiceUnavailable, "调度器未初始化")
		return
	}
	list := s.invoker.Catalog().List()
	out := make([]toolView, 0, len(list))
	for _, desc := range list {
		out = append(out, toolView{
			ID:          desc.ID,
			Tier:        desc.Tier,
			Price:       desc.Price.String(),
			Description: desc.Description,
			InputSchema: desc.InputSchema,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": out})
}

func (s *Server) handleAttempt(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotImplemented, "审计查询未启用")
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "缺少支付尝试 ID")
		return
	}
	entries, err := s.audit.ByAttempt(r.Context(), id)
	if err != nil {
		s.log.Error("查询审计记录失败", slog.String("attempt_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "查询审计记录失败")
		return
	}
	if len(entries) == 0 {
		writeError(w, http.StatusNotFound, "未找到支付尝试")
		return
	}
	last := entries[len(entries)-1]
	writeJSON(w, http.StatusOK, map[string]any{
		"attemptId": id,
		"completed": last.Phase == audit.PhaseAttemptCompleted,
		"result":    last.Result,
		"entries":   entries,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// withRequestID 透传或生成请求 ID，并回写到响应头。
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
