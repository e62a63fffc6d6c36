// Package congestion implements LEDBAT (RFC 6817), the delay-based
// congestion controller uTP uses to stay out of the way of competing
// traffic. It tracks base and current one-way-delay history and derives a
// congestion window and retransmission timeout from them.
package congestion

import "github.com/quietharbor/goutp/internal/clock"

// Protocol constants, ported from the reference implementation.
const (
	TargetMicros               int64   = 100_000 // 100 milliseconds
	Gain                       float64 = 1.0
	AllowedIncrease            uint32  = 1
	MSS                        uint32  = 1400
	MinCwnd                    uint32  = 2
	InitCwnd                   uint32  = 2
	InitialCongestionTimeoutMs uint64  = 1000
	MinCongestionTimeoutMs     uint64  = 500
	MaxCongestionTimeoutMs     uint64  = 60_000
	BaseHistory                int     = 10
)

const minuteMicros int64 = 60 * 1_000_000

type currentDelaySample struct {
	receivedAt int64
	delay      int64
}

// Controller holds one connection's LEDBAT state: the delay histories, the
// RTT estimator, and the congestion window and timeout they drive.
type Controller struct {
	cwnd                uint32
	rttMs               int32
	rttVarianceMs       int32
	congestionTimeoutMs uint64

	baseDelays   []int64
	lastRollover int64

	currentDelays []currentDelaySample
}

// New returns a controller initialized to the connection's starting state:
// two segments of congestion window and the initial one-second timeout.
func New() *Controller {
	return &Controller{
		cwnd:               InitCwnd * MSS,
		congestionTimeoutMs: InitialCongestionTimeoutMs,
	}
}

// Cwnd returns the current congestion window in bytes.
func (c *Controller) Cwnd() uint32 { return c.cwnd }

// RTTMillis returns the current smoothed round-trip time estimate.
func (c *Controller) RTTMillis() int32 { return c.rttMs }

// CongestionTimeoutMs returns the current retransmission timeout.
func (c *Controller) CongestionTimeoutMs() uint64 { return c.congestionTimeoutMs }

// MaxInflight returns the maximum number of bytes allowed in flight given
// the peer's advertised receive window, floored at one minimum-sized
// window so a congested link never fully stalls transmission.
func (c *Controller) MaxInflight(remoteWndSize uint32) uint32 {
	max := c.cwnd
	if remoteWndSize < max {
		max = remoteWndSize
	}
	if floor := MinCwnd * MSS; max < floor {
		max = floor
	}
	return max
}

// updateBaseDelay folds a new one-way-delay sample into the per-minute
// base-delay history, rolling over to a fresh bucket once a minute has
// elapsed since the last rollover.
func (c *Controller) updateBaseDelay(sample, now int64) {
	if len(c.baseDelays) == 0 || now-c.lastRollover > minuteMicros {
		c.lastRollover = now
		if len(c.baseDelays) == BaseHistory {
			c.baseDelays = c.baseDelays[1:]
		}
		c.baseDelays = append(c.baseDelays, sample)
		return
	}

	last := len(c.baseDelays) - 1
	if sample < c.baseDelays[last] {
		c.baseDelays[last] = sample
	}
}

// updateCurrentDelay inserts a new delay sample after evicting samples
// older than one RTT.
//
// The reference implementation evicts samples older than rtt*100
// microseconds rather than rtt*1000 (rtt is tracked in milliseconds, so
// the intended window is rtt_ms*1000 microseconds = one RTT). That looks
// like an off-by-ten bug in the source; see DESIGN.md's Open Questions for
// why this implementation uses the corrected rtt*1000 window instead.
func (c *Controller) updateCurrentDelay(sample, now int64) {
	window := int64(c.rttMs) * 1000

	i := 0
	for i < len(c.currentDelays) && now-c.currentDelays[i].receivedAt > window {
		i++
	}
	c.currentDelays = c.currentDelays[i:]

	c.currentDelays = append(c.currentDelays, currentDelaySample{receivedAt: now, delay: sample})
}

func (c *Controller) minBaseDelay() int64 {
	if len(c.baseDelays) == 0 {
		return 0
	}
	min := c.baseDelays[0]
	for _, d := range c.baseDelays[1:] {
		if d < min {
			min = d
		}
	}
	return min
}

func (c *Controller) filteredCurrentDelay() int64 {
	samples := make([]int64, len(c.currentDelays))
	for i, s := range c.currentDelays {
		samples[i] = s.delay
	}
	return clock.EWMA(samples, 0.333)
}

func (c *Controller) queuingDelay() int64 {
	return c.filteredCurrentDelay() - c.minBaseDelay()
}

func (c *Controller) updateCongestionWindow(offTarget float64, bytesNewlyAcked, flightSize uint32) {
	increase := Gain * offTarget * float64(bytesNewlyAcked) * float64(MSS) / float64(c.cwnd)

	newCwnd := float64(c.cwnd) + increase
	maxAllowed := float64(flightSize + AllowedIncrease*MSS)
	if newCwnd > maxAllowed {
		newCwnd = maxAllowed
	}
	if floor := float64(MinCwnd * MSS); newCwnd < floor {
		newCwnd = floor
	}
	c.cwnd = uint32(newCwnd)
}

func (c *Controller) updateCongestionTimeout(measuredRTTms int32) {
	delta := c.rttMs - measuredRTTms
	c.rttVarianceMs += (abs32(delta) - c.rttVarianceMs) / 4
	c.rttMs += (measuredRTTms - c.rttMs) / 8

	timeout := uint64(c.rttMs) + uint64(c.rttVarianceMs)*4
	if timeout < MinCongestionTimeoutMs {
		timeout = MinCongestionTimeoutMs
	}
	if timeout > MaxCongestionTimeoutMs {
		timeout = MaxCongestionTimeoutMs
	}
	c.congestionTimeoutMs = timeout
}

// OnAck folds in a newly-acknowledged run of packets: sendTimestamp is the
// timestamp stamped on the packet at the cumulative ack point, now is the
// current clock reading, bytesNewlyAcked the total wire length of every
// packet the inbound State packet covers, and flightSize the number of
// bytes still in flight after truncating the send window.
func (c *Controller) OnAck(sendTimestamp, now uint32, bytesNewlyAcked, flightSize uint32) {
	ourDelay := int64(uint32(now - sendTimestamp))
	nowMicros := int64(now)

	c.updateBaseDelay(ourDelay, nowMicros)
	c.updateCurrentDelay(ourDelay, nowMicros)

	offTarget := (float64(TargetMicros) - float64(c.queuingDelay())) / float64(TargetMicros)
	c.updateCongestionWindow(offTarget, bytesNewlyAcked, flightSize)

	// Reference quirk: measured RTT is derived from off_target (a value in
	// [-1, 1]) truncated to an integer, not from a wall-clock delta. See
	// DESIGN.md's Open Questions; preserved verbatim per spec §9.
	measuredRTTms := int32((TargetMicros - int64(offTarget)) / 1000)
	c.updateCongestionTimeout(measuredRTTms)
}

// OnLossDetected halves the congestion window in response to three
// duplicate ACKs or a selective ACK implying loss, per RFC 6817 §3.3.
func (c *Controller) OnLossDetected() {
	c.cwnd /= 2
	if floor := MinCwnd * MSS; c.cwnd < floor {
		c.cwnd = floor
	}
}

// OnTimeout backs off after a retransmission timeout: the timeout doubles
// and the congestion window collapses to a single segment, matching the
// adaptive backoff the reference implementation leaves commented out
// (restored per spec §5).
func (c *Controller) OnTimeout() {
	c.congestionTimeoutMs *= 2
	if c.congestionTimeoutMs > MaxCongestionTimeoutMs {
		c.congestionTimeoutMs = MaxCongestionTimeoutMs
	}
	c.cwnd = MSS
}

// MinBaseDelay exposes the minimum per-minute base delay observed so far,
// for metrics and tests.
func (c *Controller) MinBaseDelay() int64 { return c.minBaseDelay() }

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
