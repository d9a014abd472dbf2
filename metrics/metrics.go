package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
	"gitlab.com/scpcorp/reward-pool/common"
)

const jobName = "reward_pool"

// Metrics holds the collectors of one process. A run is a one-shot job, so
// the collectors live on their own registry and are pushed, not scraped.
type Metrics struct {
	registry *prometheus.Registry

	RunsTotal *prometheus.CounterVec

	RunDuration prometheus.Histogram

	TransferredTotal prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reward_pool_runs_total",
				Help: "Total number of reward pool runs",
			},
			[]string{"outcome", "branch"},
		),
		RunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "reward_pool_run_duration_seconds",
				Help:    "Duration of reward pool runs",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~256s
			},
		),
		TransferredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "reward_pool_transferred_base_units_total",
				Help: "Total number of token base units transferred to the destination",
			},
		),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

var outcomes = []struct {
	err   error
	label string
}{
	{common.ErrConnectivity, "connectivity"},
	{common.ErrFunding, "funding"},
	{common.ErrDeployment, "deployment"},
	// A corrupt pool account wraps a codec error too.
	{common.ErrProvision, "provision"},
	{common.ErrCodec, "codec"},
	{common.ErrResolve, "resolve"},
	{common.ErrTransfer, "transfer"},
	{common.ErrRegistry, "registry"},
	{common.ErrPoolBusy, "pool_busy"},
}

// Outcome maps a run error to the outcome label.
func Outcome(err error) string {
	if err == nil {
		return "success"
	}
	for _, o := range outcomes {
		if errors.Is(err, o.err) {
			return o.label
		}
	}
	return "other"
}

func branch(report *common.Report) string {
	if report == nil || report.Resolution.Mint.IsZero() {
		return "none"
	}
	return report.Resolution.Branch.String()
}

// Observe records a finished run. The report may be partial when err is set.
func (m *Metrics) Observe(report *common.Report, err error) {
	m.RunsTotal.WithLabelValues(Outcome(err), branch(report)).Inc()
	if report == nil {
		return
	}
	if !report.FinishedAt.IsZero() {
		m.RunDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
	}
	// Receipt is set once the transfer is confirmed, even if a later stage failed.
	m.TransferredTotal.Add(float64(report.Receipt.Amount))
}

// Push sends the collectors to a Prometheus Pushgateway.
func (m *Metrics) Push(url string) error {
	if err := push.New(url, jobName).Gatherer(m.registry).Push(); err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", url, err)
	}
	return nil
}
