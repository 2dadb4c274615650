package scan

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Scan options
// --------------------------------------------------------------------------

// Options configures a Scheduler
type Options struct {
	// CountPerBatch is the COUNT hint sent with every SCAN
	CountPerBatch int
	// Concurrency is the maximum number of patterns scanned at the same time
	Concurrency int
	// Throttle is the pause between two scheduling ticks
	Throttle time.Duration
	// HardCap is the maximum number of keys in one session, 0 disables the cap
	HardCap int
	// AutoContinue follows up ticks that deliver no new key while the walk is
	// not done, so a LoadNextBatch call returns with the first non-empty page.
	// When false every call runs exactly one tick, empty or not.
	AutoContinue bool
	// LocalFilter scans with "*" and matches the patterns on the client
	LocalFilter bool
	// SafeFallbackThreshold is the largest keyspace size for which KEYS may be used
	SafeFallbackThreshold int64
	// FlushInterval is the coalescing interval of the dedup buffer
	FlushInterval time.Duration
	// MetadataTimeout overrides the executor timeout for DBSIZE, SELECT and
	// key inspection. Zero keeps the executor default.
	MetadataTimeout time.Duration
	// ScanTimeout overrides the executor timeout for SCAN and KEYS. Zero keeps
	// the executor default.
	ScanTimeout time.Duration
}

// DefaultOptions returns the options used when nothing is configured
func DefaultOptions() Options {
	return Options{
		CountPerBatch:         500,
		Concurrency:           4,
		Throttle:              10 * time.Millisecond,
		HardCap:               100_000,
		AutoContinue:          true,
		LocalFilter:           false,
		SafeFallbackThreshold: 10_000,
		FlushInterval:         120 * time.Millisecond,
	}
}

// withDefaults replaces invalid values by their defaults
func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.CountPerBatch <= 0 {
		o.CountPerBatch = def.CountPerBatch
	}
	if o.Concurrency <= 0 {
		o.Concurrency = def.Concurrency
	}
	if o.Throttle < 0 {
		o.Throttle = 0
	}
	if o.HardCap < 0 {
		o.HardCap = 0
	}
	if o.SafeFallbackThreshold < 0 {
		o.SafeFallbackThreshold = 0
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = def.FlushInterval
	}
	return o
}

// String returns a formatted string representation of the options
func (o Options) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Scan")
	addField("Count Per Batch", strconv.Itoa(o.CountPerBatch))
	addField("Concurrency", strconv.Itoa(o.Concurrency))
	addField("Throttle", o.Throttle.String())
	if o.HardCap > 0 {
		addField("Hard Cap", strconv.Itoa(o.HardCap))
	} else {
		addField("Hard Cap", "none")
	}
	addField("Auto Continue", strconv.FormatBool(o.AutoContinue))
	addField("Local Filter", strconv.FormatBool(o.LocalFilter))
	addField("Fallback Threshold", strconv.FormatInt(o.SafeFallbackThreshold, 10))
	addField("Flush Interval", o.FlushInterval.String())

	return sb.String()
}
