package ipam

import (
	"time"

	"github.com/clickcluster/segmentd/pkg/logging"
	"github.com/clickcluster/segmentd/pkg/metrics"
)

// Severity bands for remote IPAM call latency. The remote rate-limits
// aggressively under load, so the bands separate "the IPAM is busy"
// from "the IPAM is melting".
const (
	bandOK        = "ok"        // < 2s
	bandSlow      = "slow"      // 2s - 5s
	bandThrottled = "throttled" // 5s - 20s
	bandSevere    = "severe"    // > 20s
)

func classifyElapsed(elapsed time.Duration) string {
	switch {
	case elapsed < 2*time.Second:
		return bandOK
	case elapsed < 5*time.Second:
		return bandSlow
	case elapsed < 20*time.Second:
		return bandThrottled
	default:
		return bandSevere
	}
}

// withTiming stamps a call start and returns the completion hook; each
// call logs its band exactly once.
func withTiming(op string) func() {
	start := time.Now()
	return func() {
		elapsed := time.Since(start)
		band := classifyElapsed(elapsed)
		metrics.IPAMCallsTotal.WithLabelValues(op, band).Inc()
		switch band {
		case bandOK:
			logging.Debugf("ipam call %s completed in %v", op, elapsed)
		case bandSlow:
			logging.Verbosef("ipam call %s slow: %v", op, elapsed)
		case bandThrottled:
			logging.Verbosef("ipam call %s throttled: %v", op, elapsed)
		default:
			logging.Errorf("ipam call %s severely delayed: %v", op, elapsed)
		}
	}
}
