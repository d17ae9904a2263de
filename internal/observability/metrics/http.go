package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

var httpBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 90}

type route struct {
	handler string
	method  string
}

func (r route) labels() string {
	return fmt.Sprintf(`handler="%s",method="%s"`, escape(r.handler), escape(r.method))
}

// routeStats 汇总单个路由的状态码计数与延迟分布。
type routeStats struct {
	codes   map[int]uint64
	errors  uint64
	latency *histogram
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{buckets: buckets, counts: make([]uint64, len(buckets))}
}

// observe 累加所有上界不小于 value 的桶，+Inf 桶即 count。
func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	idx := sort.SearchFloat64s(h.buckets, value)
	for ; idx < len(h.counts); idx++ {
		h.counts[idx]++
	}
}

func (h *histogram) write(b *strings.Builder, name, labels string) {
	for idx, bound := range h.buckets {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%s\"} %d\n", name, labels, formatFloat(bound), h.counts[idx])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, h.count)
	fmt.Fprintf(b, "%s_sum{%s} %s\n", name, labels, formatFloat(h.sum))
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, h.count)
}

type httpMetrics struct {
	mu     sync.Mutex
	routes map[route]*routeStats
}

var httpCollector = &httpMetrics{routes: make(map[route]*routeStats)}

// ObserveHTTPRequest 记录一次 HTTP 请求，5xx 同时计入错误数。
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpCollector.mu.Lock()
	defer httpCollector.mu.Unlock()

	key := route{handler: handler, method: method}
	stats := httpCollector.routes[key]
	if stats == nil {
		stats = &routeStats{codes: make(map[int]uint64), latency: newHistogram(httpBuckets)}
		httpCollector.routes[key] = stats
	}
	stats.codes[status]++
	if status >= 500 {
		stats.errors++
	}
	stats.latency.observe(duration.Seconds())
}

func (m *httpMetrics) render(b *strings.Builder) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]route, 0, len(m.routes))
	for k := range m.routes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].handler != keys[j].handler {
			return keys[i].handler < keys[j].handler
		}
		return keys[i].method < keys[j].method
	})

	b.WriteString("# HELP paygate_http_requests_total Total number of HTTP requests processed.\n")
	b.WriteString("# TYPE paygate_http_requests_total counter\n")
	for _, k := range keys {
		stats := m.routes[k]
		codes := make([]int, 0, len(stats.codes))
		for code := range stats.codes {
			codes = append(codes, code)
		}
		sort.Ints(codes)
		for _, code := range codes {
			fmt.Fprintf(b, "paygate_http_requests_total{%s,code=\"%d\"} %d\n", k.labels(), code, stats.codes[code])
		}
	}

	b.WriteString("# HELP paygate_http_request_errors_total HTTP requests answered with a server error.\n")
	b.WriteString("# TYPE paygate_http_request_errors_total counter\n")
	for _, k := range keys {
		if n := m.routes[k].errors; n > 0 {
			fmt.Fprintf(b, "paygate_http_request_errors_total{%s} %d\n", k.labels(), n)
		}
	}

	b.WriteString("# HELP paygate_http_request_duration_seconds HTTP request duration in seconds.\n")
	b.WriteString("# TYPE paygate_http_request_duration_seconds histogram\n")
	for _, k := range keys {
		m.routes[k].latency.write(b, "paygate_http_request_duration_seconds", k.labels())
	}
}

// Handler 以 Prometheus 文本格式输出全部指标。
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		var b strings.Builder
		b.Grow(4096)
		httpCollector.render(&b)
		gateCollector.render(&b)
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(b.String()))
	})
}

func escape(value string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", "").Replace(value)
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer 在独立端口上暴露 /metrics，直到 ctx 取消。
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
