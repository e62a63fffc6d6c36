// Package clock provides the monotonic timestamp and smoothing helpers that
// the transport's congestion controller and endpoint build on.
package clock

import "time"

var start = time.Now()

// NowMicroseconds returns a monotonic microsecond timestamp suitable for
// stamping outbound packets and measuring one-way delay samples. It wraps
// around a 32-bit value the same way the wire's timestamp field does, so
// callers can feed it directly into packet headers.
func NowMicroseconds() uint32 {
	return uint32(time.Since(start).Microseconds())
}

// EWMA computes the exponentially-weighted moving average of samples with
// smoothing factor alpha, seeding the average with the first sample. It
// returns 0 for an empty input.
func EWMA(samples []int64, alpha float64) int64 {
	if len(samples) == 0 {
		return 0
	}

	avg := float64(samples[0])
	for _, s := range samples[1:] {
		avg = alpha*float64(s) + (1-alpha)*avg
	}
	return int64(avg)
}
