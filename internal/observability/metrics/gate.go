package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var settleBuckets = []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120}

type invocationKey struct {
	tool   string
	tier   string
	result string
}

type paymentKey struct {
	tier   string
	result string
}

type gate struct {
	mu          sync.Mutex
	invocations map[invocationKey]uint64
	payments    map[paymentKey]uint64
	charged     map[string]float64
	durations   map[string]*histogram
}

var gateCollector = &gate{
	invocations: make(map[invocationKey]uint64),
	payments:    make(map[paymentKey]uint64),
	charged:     make(map[string]float64),
	durations:   make(map[string]*histogram),
}

// ObserveInvocation counts a dispatched tool call. result is "ok" or the
// envelope error kind.
func ObserveInvocation(tool, tier, result string) {
	gateCollector.mu.Lock()
	defer gateCollector.mu.Unlock()
	gateCollector.invocations[invocationKey{tool: tool, tier: tier, result: result}]++
}

// ObservePayment records a terminal payment attempt. amount is the display
// amount charged, zero on failure.
func ObservePayment(tier, result string, amount float64, duration time.Duration) {
	gateCollector.mu.Lock()
	defer gateCollector.mu.Unlock()
	gateCollector.payments[paymentKey{tier: tier, result: result}]++
	if amount > 0 {
		gateCollector.charged[tier] += amount
	}
	hist := gateCollector.durations[tier]
	if hist == nil {
		hist = newHistogram(settleBuckets)
		gateCollector.durations[tier] = hist
	}
	hist.observe(duration.Seconds())
}

func (g *gate) render(b *strings.Builder) {
	g.mu.Lock()
	defer g.mu.Unlock()

	invKeys := make([]invocationKey, 0, len(g.invocations))
	for k := range g.invocations {
		invKeys = append(invKeys, k)
	}
	sort.Slice(invKeys, func(i, j int) bool {
		a, b := invKeys[i], invKeys[j]
		if a.tool != b.tool {
			return a.tool < b.tool
		}
		if a.tier != b.tier {
			return a.tier < b.tier
		}
		return a.result < b.result
	})

	payKeys := make([]paymentKey, 0, len(g.payments))
	for k := range g.payments {
		payKeys = append(payKeys, k)
	}
	sort.Slice(payKeys, func(i, j int) bool {
		if payKeys[i].tier != payKeys[j].tier {
			return payKeys[i].tier < payKeys[j].tier
		}
		return payKeys[i].result < payKeys[j].result
	})

	tiers := make([]string, 0, len(g.durations))
	for tier := range g.durations {
		tiers = append(tiers, tier)
	}
	sort.Strings(tiers)

	b.WriteString("# HELP paygate_invocations_total Tool invocations by outcome.\n")
	b.WriteString("# TYPE paygate_invocations_total counter\n")
	for _, k := range invKeys {
		fmt.Fprintf(b, "paygate_invocations_total{tool=\"%s\",tier=\"%s\",result=\"%s\"} %d\n",
			escape(k.tool), escape(k.tier), escape(k.result), g.invocations[k])
	}

	b.WriteString("# HELP paygate_payment_attempts_total Terminal payment attempts by result.\n")
	b.WriteString("# TYPE paygate_payment_attempts_total counter\n")
	for _, k := range payKeys {
		fmt.Fprintf(b, "paygate_payment_attempts_total{tier=\"%s\",result=\"%s\"} %d\n",
			escape(k.tier), escape(k.result), g.payments[k])
	}

	b.WriteString("# HELP paygate_payment_charged_total Amount charged in the payment asset.\n")
	b.WriteString("# TYPE paygate_payment_charged_total counter\n")
	for _, tier := range tiers {
		fmt.Fprintf(b, "paygate_payment_charged_total{tier=\"%s\"} %s\n", escape(tier), formatFloat(g.charged[tier]))
	}

	b.WriteString("# HELP paygate_payment_duration_seconds Time from quote to terminal state.\n")
	b.WriteString("# TYPE paygate_payment_duration_seconds histogram\n")
	for _, tier := range tiers {
		g.durations[tier].write(b, "paygate_payment_duration_seconds", fmt.Sprintf(`tier="%s"`, escape(tier)))
	}
}
