package triage

import "github.com/prometheus/client_golang/prometheus"

// Hooks are optional callbacks the core fires for instrumentation. Any
// field may be nil.
type Hooks struct {
	OnIngest         func(verdict Verdict, reason string, duration float64)
	OnToast          func(ok bool)
	OnPolicyOp       func(kind OpKind, result string)
	OnPolicyDegraded func()
	OnDigest         func(label string, items int, result string, duration float64)
	OnBulkUpdate     func(succeeded, failed int)
}

func (h Hooks) ingest(v Verdict, reason string, d float64) {
	if h.OnIngest != nil {
		h.OnIngest(v, reason, d)
	}
}

func (h Hooks) toast(ok bool) {
	if h.OnToast != nil {
		h.OnToast(ok)
	}
}

func (h Hooks) policyOp(kind OpKind, result string) {
	if h.OnPolicyOp == nil {
		return
	}
	if !kind.known() {
		kind = "unknown"
	}
	h.OnPolicyOp(kind, result)
}

func (h Hooks) policyDegraded() {
	if h.OnPolicyDegraded != nil {
		h.OnPolicyDegraded()
	}
}

func (h Hooks) digest(label string, items int, result string, d float64) {
	if h.OnDigest != nil {
		h.OnDigest(label, items, result, d)
	}
}

func (h Hooks) bulkUpdate(ok, failed int) {
	if h.OnBulkUpdate != nil {
		h.OnBulkUpdate(ok, failed)
	}
}

// Metrics holds Prometheus metrics for the triage pipeline.
type Metrics struct {
	IngestedTotal       *prometheus.CounterVec
	IngestDuration      *prometheus.HistogramVec
	ToastsTotal         *prometheus.CounterVec
	PolicyOpsTotal      *prometheus.CounterVec
	PolicyDegradedReads prometheus.Counter
	DigestsTotal        *prometheus.CounterVec
	DigestItems         prometheus.Histogram
	DigestDuration      prometheus.Histogram
	BulkItemsTotal      *prometheus.CounterVec
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IngestedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hush_notifications_ingested_total",
			Help: "Total notifications ingested by verdict and deciding rule.",
		}, []string{"verdict", "reason"}),
		IngestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hush_ingest_duration_seconds",
			Help:    "Duration of ingest (classify, record, deliver) in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms .. ~4s
		}, []string{"verdict"}),
		ToastsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hush_toasts_total",
			Help: "Toast deliveries by result.",
		}, []string{"result"}),
		PolicyOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hush_policy_ops_total",
			Help: "Policy operations by kind and result.",
		}, []string{"op", "result"}),
		PolicyDegradedReads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hush_policy_degraded_reads_total",
			Help: "Classifications served from the cached policy while the store was unavailable.",
		}),
		DigestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hush_digests_total",
			Help: "Digest builds by label and result.",
		}, []string{"label", "result"}),
		DigestItems: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hush_digest_items",
			Help:    "Notifications consumed per digest.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1 .. 512
		}),
		DigestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hush_digest_duration_seconds",
			Help:    "Duration of digest builds in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms .. ~2s
		}),
		BulkItemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hush_bulk_update_items_total",
			Help: "Bulk update items by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.IngestedTotal,
		m.IngestDuration,
		m.ToastsTotal,
		m.PolicyOpsTotal,
		m.PolicyDegradedReads,
		m.DigestsTotal,
		m.DigestItems,
		m.DigestDuration,
		m.BulkItemsTotal,
	)

	return m
}

// Hooks returns Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnIngest: func(verdict Verdict, reason string, duration float64) {
			m.IngestedTotal.WithLabelValues(string(verdict), reason).Inc()
			m.IngestDuration.WithLabelValues(string(verdict)).Observe(duration)
		},
		OnToast: func(ok bool) {
			result := "ok"
			if !ok {
				result = "error"
			}
			m.ToastsTotal.WithLabelValues(result).Inc()
		},
		OnPolicyOp: func(kind OpKind, result string) {
			m.PolicyOpsTotal.WithLabelValues(string(kind), result).Inc()
		},
		OnPolicyDegraded: func() {
			m.PolicyDegradedReads.Inc()
		},
		OnDigest: func(label string, items int, result string, duration float64) {
			m.DigestsTotal.WithLabelValues(label, result).Inc()
			if result == "ok" {
				m.DigestItems.Observe(float64(items))
				m.DigestDuration.Observe(duration)
			}
		},
		OnBulkUpdate: func(succeeded, failed int) {
			m.BulkItemsTotal.WithLabelValues("ok").Add(float64(succeeded))
			m.BulkItemsTotal.WithLabelValues("error").Add(float64(failed))
		},
	}
}
