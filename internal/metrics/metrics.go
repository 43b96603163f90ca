// Package metrics exposes prometheus counters for the mission pipeline.
//
// A nil *Recorder is valid and records nothing, so services can run without metrics wired.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "missions"

// Recorder owns a private registry and the pipeline counters registered on it.
type Recorder struct {
	registry        *prometheus.Registry
	claimsGranted   *prometheus.CounterVec
	claimsDuplicate prometheus.Counter
	submissions     *prometheus.CounterVec
	reviews         *prometheus.CounterVec
	onchainAwards   *prometheus.CounterVec
	resyncs         *prometheus.CounterVec
	grantFailures   *prometheus.CounterVec
}

// New builds a Recorder with the Go runtime and process collectors attached.
func New() *Recorder {
	recorder := &Recorder{
		registry: prometheus.NewRegistry(),
		claimsGranted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_granted_total",
			Help:      "Claims that passed deduplication and were credited.",
		}, []string{"period", "reason"}),
		claimsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_duplicate_total",
			Help:      "Claims short-circuited by an existing claim marker.",
		}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Proof submissions by outcome.",
		}, []string{"result"}),
		reviews: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reviews_total",
			Help:      "Admin review decisions.",
		}, []string{"decision"}),
		onchainAwards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "onchain_awards_total",
			Help:      "On-chain award attempts by outcome.",
		}, []string{"result"}),
		resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resyncs_total",
			Help:      "Reconciliation resync runs by outcome.",
		}, []string{"result"}),
		grantFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grant_failures_total",
			Help:      "Grant steps that failed after the claim marker was taken.",
		}, []string{"stage"}),
	}
	recorder.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		recorder.claimsGranted,
		recorder.claimsDuplicate,
		recorder.submissions,
		recorder.reviews,
		recorder.onchainAwards,
		recorder.resyncs,
		recorder.grantFailures,
	)
	return recorder
}

// Registry returns the registry backing the recorder.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) ClaimGranted(period, reason string) {
	if r == nil {
		return
	}
	r.claimsGranted.WithLabelValues(period, reason).Inc()
}

func (r *Recorder) ClaimDuplicate() {
	if r == nil {
		return
	}
	r.claimsDuplicate.Inc()
}

func (r *Recorder) Submission(result string) {
	if r == nil {
		return
	}
	r.submissions.WithLabelValues(result).Inc()
}

func (r *Recorder) Review(decision string) {
	if r == nil {
		return
	}
	r.reviews.WithLabelValues(decision).Inc()
}

func (r *Recorder) OnchainAward(result string) {
	if r == nil {
		return
	}
	r.onchainAwards.WithLabelValues(result).Inc()
}

func (r *Recorder) Resync(result string) {
	if r == nil {
		return
	}
	r.resyncs.WithLabelValues(result).Inc()
}

// GrantFailure counts a grant step that failed once the claim was held.
func (r *Recorder) GrantFailure(stage string) {
	if r == nil {
		return
	}
	r.grantFailures.WithLabelValues(stage).Inc()
}
