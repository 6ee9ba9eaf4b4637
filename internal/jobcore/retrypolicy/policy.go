// Package retrypolicy holds the per-workload-class retry/backoff/time-limit
// table and the full-jitter delay formula, grounded on
// original_source/apps/api/app/core/retry_config.py.
package retrypolicy

import (
	"math"
	"math/rand"
	"time"
)

// Class is one of the closed set of workload classes.
type Class string

const (
	Default Class = "default"
	Model   Class = "model"
	Cam     Class = "cam"
	Sim     Class = "sim"
	Report  Class = "report"
	ERP     Class = "erp"
)

// Policy is the (max_retries, backoff_cap, soft_limit, hard_limit, queue_ttl)
// tuple for a workload class.
type Policy struct {
	MaxRetries int
	BackoffCap time.Duration
	SoftLimit  time.Duration
	HardLimit  time.Duration

	// QueueTTL is the broker's per-class x-message-ttl for the primary
	// queue (spec.md §3/§4.3), sourced from QUEUE_CONFIGS in
	// original_source/apps/api/app/core/queue_constants.py.
	QueueTTL time.Duration
}

// defaults mirrors QUEUE_RETRY_CONFIG from retry_config.py for the
// retry/time-limit columns, and QUEUE_CONFIGS from queue_constants.py for
// QueueTTL.
var defaults = map[Class]Policy{
	Default: {MaxRetries: 3, BackoffCap: 20 * time.Second, SoftLimit: 540 * time.Second, HardLimit: 600 * time.Second, QueueTTL: 1800 * time.Second},
	Model:   {MaxRetries: 5, BackoffCap: 60 * time.Second, SoftLimit: 840 * time.Second, HardLimit: 900 * time.Second, QueueTTL: 3600 * time.Second},
	Cam:     {MaxRetries: 5, BackoffCap: 60 * time.Second, SoftLimit: 840 * time.Second, HardLimit: 900 * time.Second, QueueTTL: 2700 * time.Second},
	Sim:     {MaxRetries: 5, BackoffCap: 60 * time.Second, SoftLimit: 840 * time.Second, HardLimit: 900 * time.Second, QueueTTL: 3600 * time.Second},
	Report:  {MaxRetries: 5, BackoffCap: 45 * time.Second, SoftLimit: 540 * time.Second, HardLimit: 600 * time.Second, QueueTTL: 900 * time.Second},
	ERP:     {MaxRetries: 5, BackoffCap: 45 * time.Second, SoftLimit: 540 * time.Second, HardLimit: 600 * time.Second, QueueTTL: 1800 * time.Second},
}

// baseDelay is the `base` term in min(cap, base*2^n)*U(0.5,1.5).
const baseDelay = 2 * time.Second

// KnownClass reports whether class is one of the closed set.
func KnownClass(class string) bool {
	_, ok := defaults[Class(class)]
	return ok
}

// For returns the policy for class, falling back to Default for an
// unrecognized class (callers are expected to have already validated the
// class with KnownClass at submission time).
func For(class string) Policy {
	if p, ok := defaults[Class(class)]; ok {
		return p
	}
	return defaults[Default]
}

// Classes lists the closed set of workload classes in stable order.
func Classes() []Class {
	return []Class{Default, Model, Cam, Sim, Report, ERP}
}

// Delay computes the scheduled retry delay for 0-based attempt n under
// policy p: min(cap, base*2^n) * U(0.5, 1.5). The jitter source is
// injectable so tests can assert on the deterministic bounds without
// depending on global rand state.
func Delay(p Policy, attempt int, jitter func() float64) time.Duration {
	if jitter == nil {
		jitter = rand.Float64
	}
	exponential := float64(baseDelay) * math.Pow(2, float64(attempt))
	capped := math.Min(float64(p.BackoffCap), exponential)
	factor := 0.5 + jitter() // U(0.5, 1.5)
	return time.Duration(capped * factor)
}

// DelayBounds returns the inclusive [min, max] delay window for attempt n,
// used by property tests to assert S2/property 6 without depending on the
// jitter draw.
func DelayBounds(p Policy, attempt int) (min, max time.Duration) {
	exponential := float64(baseDelay) * math.Pow(2, float64(attempt))
	capped := math.Min(float64(p.BackoffCap), exponential)
	return time.Duration(capped * 0.5), time.Duration(capped * 1.5)
}
