package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Workflow metrics
	WorkflowsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devflow_workflows_started_total",
			Help: "Total number of workflows started",
		},
		[]string{"workflow_type", "mode"},
	)

	WorkflowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devflow_workflows_completed_total",
			Help: "Total number of workflows completed",
		},
		[]string{"workflow_type", "mode", "status"},
	)

	WorkflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "devflow_workflow_duration_seconds",
			Help:    "Workflow execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"workflow_type", "mode"},
	)

	// Agent metrics
	AgentExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devflow_agent_executions_total",
			Help: "Total number of agent executions",
		},
		[]string{"role", "status"},
	)

	AgentStepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "devflow_agent_step_duration_ms",
			Help:    "Agent step execution duration in milliseconds",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000, 30000},
		},
		[]string{"role", "step"},
	)

	AgentStepsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devflow_agent_steps_rejected_total",
			Help: "Steps rejected by budget or state checks",
		},
		[]string{"role", "reason"},
	)

	// Context metrics
	ContextsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devflow_contexts_created_total",
			Help: "Total number of contexts created",
		},
		[]string{"scope"},
	)

	ContextTokensUsed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "devflow_context_tokens_used",
			Help:    "Token usage per context at save time",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000},
		},
	)

	ContextCompressions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devflow_context_compressions_total",
			Help: "Compression passes per compression level",
		},
		[]string{"level"},
	)

	ContextRegistrySize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "devflow_context_registry_size",
			Help: "Number of live contexts in the registry",
		},
	)

	TangentsPushed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "devflow_tangents_pushed_total",
			Help: "Total number of tangents pushed",
		},
	)

	// Store metrics
	EventsAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devflow_events_appended_total",
			Help: "Context events appended to the store",
		},
		[]string{"kind"},
	)

	StoreWriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "devflow_store_write_duration_ms",
			Help:    "Store write transaction duration in milliseconds",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000},
		},
	)

	LocksHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "devflow_resource_locks_held",
			Help: "Advisory resource locks currently held",
		},
	)

	// Verifier metrics
	VerificationsRun = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devflow_verifications_total",
			Help: "Verification probes executed",
		},
		[]string{"result"},
	)

	VerificationDiscrepancies = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "devflow_verification_discrepancies_total",
			Help: "Claimed-vs-verified discrepancies detected",
		},
	)

	// External coordinator metrics
	CoordinatorCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devflow_coordinator_calls_total",
			Help: "External system calls by the coordinator",
		},
		[]string{"system", "operation", "status"},
	)
)
