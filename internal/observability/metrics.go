package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	laneQueueSize *prometheus.GaugeVec
	taskTotal     *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec

	dispatchTotal  *prometheus.CounterVec
	asyncBuilds    *prometheus.CounterVec
	authFailures   *prometheus.CounterVec
	activeSessions prometheus.Gauge

	activeContexts   prometheus.Gauge
	agentRunTotal    *prometheus.CounterVec
	agentRunDuration *prometheus.HistogramVec
	delegationsTotal *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	providerCallTotal     *prometheus.CounterVec
	providerCallDuration  *prometheus.HistogramVec
	providerRotations     *prometheus.CounterVec
	providerRateLimitWait *prometheus.HistogramVec
	providerRateRejects   *prometheus.CounterVec

	historyLoadDuration prometheus.Histogram
	historySaveDuration prometheus.Histogram
	initStageDuration   *prometheus.GaugeVec

	jobRunTotal    *prometheus.CounterVec
	jobRunDuration *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			laneQueueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "agentrt_lane_queue_size",
					Help: "Tasks waiting for the execution baton by lane.",
				},
				[]string{"lane"},
			),
			taskTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentrt_task_total",
					Help: "Finished deferred tasks by lane and terminal state.",
				},
				[]string{"lane", "state"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agentrt_task_duration_seconds",
					Help:    "Deferred task duration in seconds by lane.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			dispatchTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentrt_dispatch_requests_total",
					Help: "Dispatched HTTP requests by route kind and status class.",
				},
				[]string{"kind", "status"},
			),
			asyncBuilds: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentrt_async_server_builds_total",
					Help: "Async protocol server builds by prefix and result.",
				},
				[]string{"prefix", "result"},
			),
			authFailures: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentrt_auth_failures_total",
					Help: "Rejected requests by auth error kind.",
				},
				[]string{"kind"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "agentrt_active_sessions",
					Help: "Current authenticated session count.",
				},
			),
			activeContexts: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "agentrt_active_contexts",
					Help: "Current agent context count.",
				},
			),
			agentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentrt_agent_run_total",
					Help: "Agent runs by profile and outcome.",
				},
				[]string{"profile", "outcome"},
			),
			agentRunDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agentrt_agent_run_duration_seconds",
					Help:    "Agent run duration in seconds by profile.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"profile"},
			),
			delegationsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentrt_delegations_total",
					Help: "Subordinate delegations by outcome.",
				},
				[]string{"outcome"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentrt_tool_execution_total",
					Help: "Tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agentrt_tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			providerCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentrt_provider_calls_total",
					Help: "Model provider calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			providerCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agentrt_provider_call_duration_seconds",
					Help:    "Model provider call duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			providerRotations: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentrt_provider_key_rotations_total",
					Help: "Credential rotations after a credential error.",
				},
				[]string{"provider"},
			),
			providerRateLimitWait: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agentrt_provider_rate_limit_wait_seconds",
					Help:    "Time spent blocked in the provider rate limiter.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			providerRateRejects: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentrt_provider_rate_limit_rejections_total",
					Help: "Calls rejected by the provider rate limiter.",
				},
				[]string{"provider"},
			),
			historyLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "agentrt_history_load_duration_seconds",
					Help:    "History load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			historySaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "agentrt_history_save_duration_seconds",
					Help:    "History save duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			initStageDuration: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "agentrt_init_stage_duration_seconds",
					Help: "Duration of each background initialization stage.",
				},
				[]string{"stage"},
			),
			jobRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentrt_job_runs_total",
					Help: "Periodic job runs by job and status.",
				},
				[]string{"job", "status"},
			),
			jobRunDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agentrt_job_run_duration_seconds",
					Help:    "Periodic job run duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"job"},
			),
		}

		prometheus.MustRegister(
			m.laneQueueSize,
			m.taskTotal,
			m.taskDuration,
			m.dispatchTotal,
			m.asyncBuilds,
			m.authFailures,
			m.activeSessions,
			m.activeContexts,
			m.agentRunTotal,
			m.agentRunDuration,
			m.delegationsTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.providerCallTotal,
			m.providerCallDuration,
			m.providerRotations,
			m.providerRateLimitWait,
			m.providerRateRejects,
			m.historyLoadDuration,
			m.historySaveDuration,
			m.initStageDuration,
			m.jobRunTotal,
			m.jobRunDuration,
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

func SetLaneQueueSize(lane string, queueSize int) {
	m := getMetrics()
	m.laneQueueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordTaskFinished(lane, state string, duration time.Duration) {
	m := getMetrics()
	m.taskTotal.WithLabelValues(lane, state).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
}

func RecordDispatch(kind string, status int) {
	m := getMetrics()
	class := "2xx"
	switch {
	case status >= 500:
		class = "5xx"
	case status >= 400:
		class = "4xx"
	case status >= 300:
		class = "3xx"
	}
	m.dispatchTotal.WithLabelValues(kind, class).Inc()
}

func RecordAsyncBuild(prefix string, success bool) {
	m := getMetrics()
	result := "error"
	if success {
		result = "success"
	}
	m.asyncBuilds.WithLabelValues(prefix, result).Inc()
}

func RecordAuthFailure(kind string) {
	getMetrics().authFailures.WithLabelValues(kind).Inc()
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func SetActiveContexts(count int) {
	getMetrics().activeContexts.Set(float64(count))
}

func RecordAgentRun(profile string, duration time.Duration, outcome string) {
	m := getMetrics()
	m.agentRunTotal.WithLabelValues(profile, outcome).Inc()
	m.agentRunDuration.WithLabelValues(profile).Observe(duration.Seconds())
}

func RecordDelegation(outcome string) {
	getMetrics().delegationsTotal.WithLabelValues(outcome).Inc()
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordProviderCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.providerCallTotal.WithLabelValues(provider, status).Inc()
	m.providerCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordProviderRotation(provider string) {
	getMetrics().providerRotations.WithLabelValues(provider).Inc()
}

func RecordRateLimitWait(provider string, waited time.Duration) {
	getMetrics().providerRateLimitWait.WithLabelValues(provider).Observe(waited.Seconds())
}

func RecordRateLimitRejection(provider string) {
	getMetrics().providerRateRejects.WithLabelValues(provider).Inc()
}

func RecordHistoryLoad(duration time.Duration) {
	getMetrics().historyLoadDuration.Observe(duration.Seconds())
}

func RecordHistorySave(duration time.Duration) {
	getMetrics().historySaveDuration.Observe(duration.Seconds())
}

func SetInitStageDuration(stage string, duration time.Duration) {
	getMetrics().initStageDuration.WithLabelValues(stage).Set(duration.Seconds())
}

func RecordJobRun(job string, duration time.Duration, status string) {
	m := getMetrics()
	m.jobRunTotal.WithLabelValues(job, status).Inc()
	m.jobRunDuration.WithLabelValues(job).Observe(duration.Seconds())
}
