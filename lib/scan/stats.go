package scan

import (
	"fmt"
	gometrics "github.com/rcrowley/go-metrics"
	"strconv"
	"strings"
	"time"
)

// Stats collects counters and distributions of a Scheduler over its lifetime
type Stats struct {
	registry   gometrics.Registry
	batches    gometrics.Counter
	keys       gometrics.Counter
	duplicates gometrics.Counter
	malformed  gometrics.Counter
	fallbacks  gometrics.Counter
	failures   gometrics.Counter
	latency    gometrics.Histogram // microseconds per SCAN
	batchSize  gometrics.Histogram // keys per SCAN reply
}

func newStats() *Stats {
	r := gometrics.NewRegistry()
	s := &Stats{
		registry:   r,
		batches:    gometrics.NewCounter(),
		keys:       gometrics.NewCounter(),
		duplicates: gometrics.NewCounter(),
		malformed:  gometrics.NewCounter(),
		fallbacks:  gometrics.NewCounter(),
		failures:   gometrics.NewCounter(),
		latency:    gometrics.NewHistogram(gometrics.NewExpDecaySample(1028, 0.015)),
		batchSize:  gometrics.NewHistogram(gometrics.NewExpDecaySample(1028, 0.015)),
	}
	_ = r.Register("batches", s.batches)
	_ = r.Register("keys", s.keys)
	_ = r.Register("duplicates", s.duplicates)
	_ = r.Register("malformed", s.malformed)
	_ = r.Register("fallbacks", s.fallbacks)
	_ = r.Register("failures", s.failures)
	_ = r.Register("batch.latency", s.latency)
	_ = r.Register("batch.size", s.batchSize)
	return s
}

// observeBatch records one settled SCAN
func (s *Stats) observeBatch(latency time.Duration, returned, accepted int) {
	s.batches.Inc(1)
	s.keys.Inc(int64(accepted))
	if returned > accepted {
		s.duplicates.Inc(int64(returned - accepted))
	}
	s.latency.Update(latency.Microseconds())
	s.batchSize.Update(int64(returned))
}

// Registry exposes the underlying registry, e.g. for gometrics.WriteOnce
func (s *Stats) Registry() gometrics.Registry {
	return s.registry
}

// Snapshot returns the current values
func (s *Stats) Snapshot(reconnects int64) StatsSnapshot {
	lat := s.latency.Snapshot()
	size := s.batchSize.Snapshot()
	ps := lat.Percentiles([]float64{0.5, 0.99})

	return StatsSnapshot{
		Batches:       s.batches.Count(),
		Keys:          s.keys.Count(),
		Duplicates:    s.duplicates.Count(),
		Malformed:     s.malformed.Count(),
		Fallbacks:     s.fallbacks.Count(),
		Failures:      s.failures.Count(),
		Reconnects:    reconnects,
		LatencyP50:    time.Duration(ps[0]) * time.Microsecond,
		LatencyP99:    time.Duration(ps[1]) * time.Microsecond,
		MeanBatchSize: size.Mean(),
		MaxBatchSize:  size.Max(),
	}
}

// StatsSnapshot is a point in time copy of Stats
type StatsSnapshot struct {
	Batches       int64         `json:"batches"`
	Keys          int64         `json:"keys"`
	Duplicates    int64         `json:"duplicates"`
	Malformed     int64         `json:"malformed"`
	Fallbacks     int64         `json:"fallbacks"`
	Failures      int64         `json:"failures"`
	Reconnects    int64         `json:"reconnects"`
	LatencyP50    time.Duration `json:"latencyP50"`
	LatencyP99    time.Duration `json:"latencyP99"`
	MeanBatchSize float64       `json:"meanBatchSize"`
	MaxBatchSize  int64         `json:"maxBatchSize"`
}

// String returns a formatted string representation of the statistics
func (s StatsSnapshot) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Batches")
	addField("Batches", strconv.FormatInt(s.Batches, 10))
	addField("Latency p50", s.LatencyP50.String())
	addField("Latency p99", s.LatencyP99.String())
	addField("Mean Batch Size", strconv.FormatFloat(s.MeanBatchSize, 'f', 1, 64))
	addField("Max Batch Size", strconv.FormatInt(s.MaxBatchSize, 10))

	addSection("Keys")
	addField("Accepted", strconv.FormatInt(s.Keys, 10))
	addField("Duplicates Dropped", strconv.FormatInt(s.Duplicates, 10))

	addSection("Faults")
	addField("Malformed Replies", strconv.FormatInt(s.Malformed, 10))
	addField("Fallback Listings", strconv.FormatInt(s.Fallbacks, 10))
	addField("Failed Loops", strconv.FormatInt(s.Failures, 10))
	addField("Reconnects", strconv.FormatInt(s.Reconnects, 10))

	return sb.String()
}
