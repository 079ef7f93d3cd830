package usage

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/richinex/ledgerline/llm"
)

// Token directions used as the direction label.
const (
	DirectionInput  = "input"
	DirectionOutput = "output"
)

// Round is the text exchanged in one model call.
type Round struct {
	Model  string
	Intent string
	Input  string
	Output string
	// Reported is the provider's own count; preferred over estimates when set.
	Reported *llm.TokenUsage
}

// Totals accumulates token counts and cost.
type Totals struct {
	Rounds       int64   `json:"rounds"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	Estimated    int64   `json:"estimated_rounds"`
}

func (t *Totals) add(input, output int64, cost float64, estimated bool) {
	t.Rounds++
	t.InputTokens += input
	t.OutputTokens += output
	t.CostUSD += cost
	if estimated {
		t.Estimated++
	}
}

// Report is a snapshot of a Monitor.
type Report struct {
	Total    Totals            `json:"total"`
	ByIntent map[string]Totals `json:"by_intent"`
}

// Monitor records usage per round. Safe for concurrent use.
type Monitor struct {
	prices *PriceIndex
	logger *slog.Logger

	tokens *prometheus.CounterVec
	cost   *prometheus.CounterVec

	mu       sync.Mutex
	total    Totals
	byIntent map[string]*Totals
}

// NewMonitor creates a Monitor. A nil registerer skips metric registration;
// a nil prices table uses DefaultCostTable.
func NewMonitor(prices CostTable, registerer prometheus.Registerer, logger *slog.Logger) *Monitor {
	if prices == nil {
		prices = DefaultCostTable()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	tokens := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerline",
		Name:      "tokens_total",
		Help:      "Tokens exchanged with the model, partitioned by direction, model and intent.",
	}, []string{"direction", "model", "intent"})
	cost := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerline",
		Name:      "cost_usd_total",
		Help:      "Estimated model cost in USD, partitioned by model and intent.",
	}, []string{"model", "intent"})

	if registerer != nil {
		tokens = registerCounterVec(registerer, tokens, logger)
		cost = registerCounterVec(registerer, cost, logger)
	}

	return &Monitor{
		prices:   prices.Index(),
		logger:   logger,
		tokens:   tokens,
		cost:     cost,
		byIntent: make(map[string]*Totals),
	}
}

// registerCounterVec returns the already registered collector when one
// exists, and the unregistered one when registration fails.
func registerCounterVec(registerer prometheus.Registerer, collector *prometheus.CounterVec, logger *slog.Logger) *prometheus.CounterVec {
	err := registerer.Register(collector)
	if err == nil {
		return collector
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
			return existing
		}
	}
	logger.Warn("metric registration failed", "error", err)
	return collector
}

// Record accounts for one round. It never panics; a nil Monitor is a no-op.
func (m *Monitor) Record(r Round) {
	if m == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			m.logger.Error("usage record panicked", "panic", p)
		}
	}()

	intent := r.Intent
	if intent == "" {
		intent = "unknown"
	}

	var input, output int64
	estimated := r.Reported == nil
	if estimated {
		input = int64(CountTokens(r.Input))
		output = int64(CountTokens(r.Output))
	} else {
		input = int64(r.Reported.PromptTokens)
		output = int64(r.Reported.CompletionTokens)
	}

	price, ok := m.prices.Lookup(r.Model)
	if !ok {
		m.logger.Debug("no price for model", "model", r.Model)
	}
	cost := price.Cost(input, output)

	m.tokens.WithLabelValues(DirectionInput, r.Model, intent).Add(float64(input))
	m.tokens.WithLabelValues(DirectionOutput, r.Model, intent).Add(float64(output))
	m.cost.WithLabelValues(r.Model, intent).Add(cost)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.total.add(input, output, cost, estimated)
	t, ok := m.byIntent[intent]
	if !ok {
		t = &Totals{}
		m.byIntent[intent] = t
	}
	t.add(input, output, cost, estimated)
}

// Report returns a copy of the accumulated totals.
func (m *Monitor) Report() Report {
	if m == nil {
		return Report{ByIntent: map[string]Totals{}}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r := Report{Total: m.total, ByIntent: make(map[string]Totals, len(m.byIntent))}
	for intent, t := range m.byIntent {
		r.ByIntent[intent] = *t
	}
	return r
}
