// Package status exposes what the contractor is doing over HTTP.
package status

import (
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
)

var log = logging.Logger("status")

// State is a point in time view of the contractor.
type State struct {
	Machine      string    `json:"machine"`
	Serving      bool      `json:"serving"`
	Since        time.Time `json:"since,omitempty"`
	Served       int       `json:"served"`
	Failed       int       `json:"failed"`
	LastFinished time.Time `json:"last_finished,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// Endpoint tracks contracts as they are served.
type Endpoint struct {
	mu    sync.Mutex
	state State

	registry  *prometheus.Registry
	contracts *prometheus.CounterVec
	serving   prometheus.Gauge
	duration  prometheus.Histogram
}

func NewEndpoint(machine string) *Endpoint {
	e := &Endpoint{
		state:    State{Machine: machine},
		registry: prometheus.NewRegistry(),
		contracts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arm_contracts_total",
			Help: "Contracts served, by result.",
		}, []string{"result"}),
		serving: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arm_contract_serving",
			Help: "1 while a contract is being served.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "arm_contract_duration_seconds",
			Help:    "Time spent serving a contract.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}),
	}
	e.registry.MustRegister(e.contracts, e.serving, e.duration)
	return e
}

// Serving runs fn, recording it as the contract being served.
func (e *Endpoint) Serving(fn func() error) error {
	start := time.Now()
	e.mu.Lock()
	e.state.Serving = true
	e.state.Since = start
	e.mu.Unlock()
	e.serving.Set(1)

	err := fn()

	e.serving.Set(0)
	e.duration.Observe(time.Since(start).Seconds())
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Serving = false
	e.state.Since = time.Time{}
	e.state.LastFinished = time.Now()
	if err != nil {
		e.state.Failed++
		e.state.LastError = err.Error()
		e.contracts.WithLabelValues("failure").Inc()
		log.Warnw("contract failed", "machine", e.state.Machine, "error", err)
	} else {
		e.state.Served++
		e.state.LastError = ""
		e.contracts.WithLabelValues("success").Inc()
	}
	return err
}

func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Endpoint) Registry() *prometheus.Registry { return e.registry }
