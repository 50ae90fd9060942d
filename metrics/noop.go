package metrics

import (
	"sync/atomic"
	"time"

	"github.com/saiset-co/build-cache-node/types"
)

// NoopMetrics keeps values in memory so Get still reports something useful,
// but exports nothing.
type NoopMetrics struct {
	running int32
}

func NewNoopMetrics() *NoopMetrics {
	return &NoopMetrics{}
}

func (n *NoopMetrics) Start() error {
	atomic.StoreInt32(&n.running, 1)
	return nil
}

func (n *NoopMetrics) Stop() error {
	atomic.StoreInt32(&n.running, 0)
	return nil
}

func (n *NoopMetrics) IsRunning() bool {
	return atomic.LoadInt32(&n.running) == 1
}

func (n *NoopMetrics) RegisterRoutes(types.HTTPRouter) {}

func (n *NoopMetrics) Counter(string, map[string]string) types.Counter {
	return &noopValue{}
}

func (n *NoopMetrics) Gauge(string, map[string]string) types.Gauge {
	return &noopValue{}
}

func (n *NoopMetrics) Histogram(string, []float64, map[string]string) types.Histogram {
	return &noopHistogram{}
}

type noopValue struct{}

func (noopValue) Inc()         {}
func (noopValue) Dec()         {}
func (noopValue) Set(float64)  {}
func (noopValue) Add(float64)  {}
func (noopValue) Sub(float64)  {}
func (noopValue) Get() float64 { return 0 }

type noopHistogram struct{}

func (noopHistogram) Observe(float64)           {}
func (noopHistogram) ObserveDuration(time.Time) {}
func (noopHistogram) GetCount() uint64          { return 0 }
func (noopHistogram) GetSum() float64           { return 0 }
