package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	turnTotal        *prometheus.CounterVec
	turnDuration     prometheus.Histogram
	routingTotal     *prometheus.CounterVec
	delegationsTotal *prometheus.CounterVec
	dispatchTotal    *prometheus.CounterVec

	activeSessions      prometheus.Gauge
	sessionLoadDuration prometheus.Histogram
	sessionSaveDuration prometheus.Histogram
	sessionsExpired     prometheus.Counter

	knowledgeSearchDuration prometheus.Histogram
	knowledgeSyncDuration   prometheus.Histogram
	knowledgeChunksTotal    prometheus.Gauge

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec

	llmCallTotal     *prometheus.CounterVec
	llmCallDuration  *prometheus.HistogramVec
	llmErrorsTotal   *prometheus.CounterVec
	providerCooldown *prometheus.GaugeVec

	guardrailBlocksTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "careline_queue_size",
					Help: "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "careline_enqueue_total",
					Help: "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "careline_dequeue_total",
					Help: "Total dequeue/completion operations by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "careline_task_duration_seconds",
					Help:    "Task execution duration in seconds by lane.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "careline_turn_total",
					Help: "Total processed turns by outcome.",
				},
				[]string{"outcome"},
			),
			turnDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "careline_turn_duration_seconds",
					Help:    "End-to-end turn duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			routingTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "careline_routing_decisions_total",
					Help: "Routing decisions by target and source.",
				},
				[]string{"target", "source"},
			),
			delegationsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "careline_delegations_total",
					Help: "Agent delegations by source and destination target.",
				},
				[]string{"from", "to"},
			),
			dispatchTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "careline_agent_dispatch_total",
					Help: "Agent dispatches by target and directive.",
				},
				[]string{"target", "directive"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "careline_active_sessions",
					Help: "Current active session count.",
				},
			),
			sessionLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "careline_session_load_duration_seconds",
					Help:    "Session load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			sessionSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "careline_session_save_duration_seconds",
					Help:    "Session save duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			sessionsExpired: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "careline_sessions_expired_total",
					Help: "Sessions archived after going idle.",
				},
			),
			knowledgeSearchDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "careline_knowledge_search_duration_seconds",
					Help:    "Knowledge search duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			knowledgeSyncDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "careline_knowledge_sync_duration_seconds",
					Help:    "Knowledge index sync duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			knowledgeChunksTotal: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "careline_knowledge_chunks_total",
					Help: "Total knowledge chunks indexed.",
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "careline_tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "careline_tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "careline_tool_errors_total",
					Help: "Total tool execution errors by tool and kind.",
				},
				[]string{"tool", "kind"},
			),
			llmCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "careline_llm_call_total",
					Help: "Total LLM calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			llmCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "careline_llm_call_duration_seconds",
					Help:    "LLM call duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			llmErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "careline_llm_errors_total",
					Help: "Total LLM errors by provider.",
				},
				[]string{"provider"},
			),
			providerCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "careline_provider_cooldown_active",
					Help: "Provider cooldown active state (1 active, 0 inactive).",
				},
				[]string{"provider"},
			),
			guardrailBlocksTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "careline_guardrail_blocks_total",
					Help: "Inputs or responses blocked by guardrails, by stage and category.",
				},
				[]string{"stage", "category"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.turnTotal,
			m.turnDuration,
			m.routingTotal,
			m.delegationsTotal,
			m.dispatchTotal,
			m.activeSessions,
			m.sessionLoadDuration,
			m.sessionSaveDuration,
			m.sessionsExpired,
			m.knowledgeSearchDuration,
			m.knowledgeSyncDuration,
			m.knowledgeChunksTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.llmCallTotal,
			m.llmCallDuration,
			m.llmErrorsTotal,
			m.providerCooldown,
			m.guardrailBlocksTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordTurn(outcome string, duration time.Duration) {
	m := getMetrics()
	m.turnTotal.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(duration.Seconds())
}

func RecordRoutingDecision(target, source string) {
	getMetrics().routingTotal.WithLabelValues(target, source).Inc()
}

func RecordDelegation(from, to string) {
	getMetrics().delegationsTotal.WithLabelValues(from, to).Inc()
}

func RecordDispatch(target, directive string) {
	getMetrics().dispatchTotal.WithLabelValues(target, directive).Inc()
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionLoad(duration time.Duration) {
	getMetrics().sessionLoadDuration.Observe(duration.Seconds())
}

func RecordSessionSave(duration time.Duration) {
	getMetrics().sessionSaveDuration.Observe(duration.Seconds())
}

func RecordSessionsExpired(count int) {
	getMetrics().sessionsExpired.Add(float64(count))
}

func RecordKnowledgeSearch(duration time.Duration) {
	getMetrics().knowledgeSearchDuration.Observe(duration.Seconds())
}

func RecordKnowledgeSync(duration time.Duration) {
	getMetrics().knowledgeSyncDuration.Observe(duration.Seconds())
}

func SetKnowledgeChunks(total int) {
	getMetrics().knowledgeChunksTotal.Set(float64(total))
}

// RecordToolExecution records one tool attempt. kind is empty on success.
func RecordToolExecution(tool string, duration time.Duration, kind string) {
	m := getMetrics()
	success := kind == ""
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool, kind).Inc()
	}
}

func RecordLLMCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.llmCallTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.llmCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
	if !success {
		m.llmErrorsTotal.WithLabelValues(provider).Inc()
	}
}

func SetProviderCooldown(provider string, active bool) {
	value := 0.0
	if active {
		value = 1.0
	}
	getMetrics().providerCooldown.WithLabelValues(provider).Set(value)
}

func RecordGuardrailBlock(stage, category string) {
	getMetrics().guardrailBlocksTotal.WithLabelValues(stage, category).Inc()
}
