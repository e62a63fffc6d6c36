// Package utp implements the consumer-facing uTP endpoint: the state
// machine that turns the wire codec, the reassembly buffer, the send
// window and the LEDBAT controller into a net.Conn-shaped reliable stream
// over a UDP socket.
//
// The single-threaded-per-connection model and the handshake/teardown
// shape are grounded in the teacher's Session type (source/server/server.go,
// source/protocol/raknet.go): one owning goroutine drives a connection's
// state, blocking only on socket reads.
package utp

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/quietharbor/goutp/congestion"
	"github.com/quietharbor/goutp/internal/clock"
	"github.com/quietharbor/goutp/internal/seq16"
	"github.com/quietharbor/goutp/metrics"
	"github.com/quietharbor/goutp/packet"
	"github.com/quietharbor/goutp/reassembly"
	"github.com/quietharbor/goutp/sendwindow"
	"github.com/quietharbor/goutp/utplog"
)

// Errors surfaced across the package boundary.
var (
	ErrConnectionClosed = errors.New("utp: connection closed")
	ErrConnectionReset  = errors.New("utp: connection reset by peer")
	ErrInvalidReply     = errors.New("utp: invalid reply during handshake")
)

type state int

const (
	stateNew state = iota
	stateSynSent
	stateConnected
	stateFinSent
	stateFinReceived
	stateResetReceived
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateSynSent:
		return "syn_sent"
	case stateConnected:
		return "connected"
	case stateFinSent:
		return "fin_sent"
	case stateFinReceived:
		return "fin_received"
	case stateResetReceived:
		return "reset_received"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	// advertisedWindow is the receive window size this implementation
	// advertises to peers; the reassembly buffer has no hard byte cap of
	// its own, so this is a fixed, generous advertisement.
	advertisedWindow uint32 = 1 << 20

	// sackBytes is the fixed SelectiveAck bitmap size this implementation
	// builds: 32 sequence numbers' worth of gap reporting.
	sackBytes = 4

	// synRetries bounds how many times Dial resends its Syn before
	// giving up, per §6.
	synRetries = 5

	// dupAckThreshold is the number of identical cumulative acks that
	// trigger a fast retransmit.
	dupAckThreshold = 3
)

// Endpoint is one uTP connection. It is not safe for concurrent use from
// multiple goroutines; Read, Write and Close must be serialized by the
// caller, matching the reference design's single-threaded contract (§9).
type Endpoint struct {
	conn       net.PacketConn
	remoteAddr net.Addr

	state state

	recvConnID uint16
	sendConnID uint16
	seqNr      uint16

	remoteWndSize uint32
	theirDelay    uint32

	cc      *congestion.Controller
	sendWin *sendwindow.Window
	recvBuf *reassembly.Buffer
	unsent  []*packet.Packet

	dupAckCount int
	lastAckSeen uint16
	haveLastAck bool

	finSeqNr uint16

	traceID string
	log     *logrus.Entry
	metrics *metrics.EndpointMetrics

	closeOnce sync.Once
}

func newEndpoint(conn net.PacketConn, remoteAddr net.Addr) *Endpoint {
	id := xid.New().String()
	e := &Endpoint{
		conn:       conn,
		remoteAddr: remoteAddr,
		state:      stateNew,
		cc:         congestion.New(),
		sendWin:    sendwindow.New(),
		traceID:    id,
		metrics:    metrics.New(id),
	}
	e.log = utplog.WithState(utplog.Endpoint(id, addrString(remoteAddr)), e.state.String())
	return e
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

func (e *Endpoint) setState(s state) {
	e.state = s
	e.log = utplog.WithState(e.log, s.String())
}

// Bind opens a uTP endpoint on a local UDP address with no peer yet; a
// subsequent Dial-equivalent handshake must be driven by a Listener for
// inbound connections, or the caller uses Dial for outbound ones.
func Bind(localAddr string) (*Endpoint, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("utp: resolve bind address: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("utp: bind: %w", err)
	}
	e := newEndpoint(conn, nil)
	e.recvConnID = uint16(rand.Intn(1 << 16))
	e.sendConnID = e.recvConnID + 1
	e.recvBuf = reassembly.New(0)
	return e, nil
}

// Dial performs the uTP handshake against a remote peer, retrying the
// initial Syn up to five times before failing.
func Dial(peerAddr string) (*Endpoint, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", peerAddr)
	if err != nil {
		return nil, fmt.Errorf("utp: resolve peer address: %w", err)
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("utp: dial: %w", err)
	}

	e := newEndpoint(conn, udpAddr)
	e.recvConnID = uint16(rand.Intn(1 << 16))
	e.sendConnID = e.recvConnID + 1
	e.seqNr = 1
	e.setState(stateSynSent)

	syn := &packet.Packet{
		Type:         packet.Syn,
		ConnectionID: e.recvConnID,
		Timestamp:    clock.NowMicroseconds(),
		WndSize:      advertisedWindow,
		SeqNr:        e.seqNr,
	}

	var lastErr error
	for attempt := 0; attempt < synRetries; attempt++ {
		if err := e.transmit(syn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("utp: send syn: %w", err)
		}
		e.log.Info("syn sent, awaiting handshake reply")

		p, from, err := e.recvWithTimeout(time.Duration(e.cc.CongestionTimeoutMs()) * time.Millisecond)
		if err != nil {
			lastErr = err
			continue
		}
		if p.Type != packet.State {
			conn.Close()
			return nil, ErrInvalidReply
		}

		// The accepted endpoint on the far side owns a distinct ephemeral
		// socket from the listener's public one; address all further
		// traffic to the address the reply actually came from.
		e.remoteAddr = from
		e.remoteWndSize = p.WndSize
		e.recvBuf = reassembly.New(p.SeqNr)
		e.seqNr++
		e.setState(stateConnected)
		e.log.Info("handshake complete")
		return e, nil
	}

	conn.Close()
	return nil, fmt.Errorf("utp: syn handshake failed after %d attempts: %w", synRetries, lastErr)
}

// recvWithTimeout reads and decodes exactly one inbound datagram, without
// running it through the state dispatcher. Used only during the Dial
// handshake, before an endpoint has a dispatch-worthy state.
func (e *Endpoint) recvWithTimeout(timeout time.Duration) (*packet.Packet, net.Addr, error) {
	e.conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 65535)
	n, from, err := e.conn.ReadFrom(buf)
	if err != nil {
		return nil, nil, err
	}
	p, err := packet.Decode(buf[:n])
	return p, from, err
}

func (e *Endpoint) transmit(p *packet.Packet) error {
	_, err := e.conn.WriteTo(p.Encode(), e.remoteAddr)
	return err
}

// LocalAddr returns the endpoint's local UDP address.
func (e *Endpoint) LocalAddr() net.Addr { return e.conn.LocalAddr() }

// RemoteAddr returns the endpoint's peer address.
func (e *Endpoint) RemoteAddr() net.Addr { return e.remoteAddr }

// Write splits b into MSS-sized chunks, enqueues them and drains the queue
// subject to the congestion and flow-control windows, blocking on inbound
// acks as needed.
func (e *Endpoint) Write(b []byte) (int, error) {
	switch e.state {
	case stateClosed:
		return 0, ErrConnectionClosed
	case stateResetReceived:
		return 0, ErrConnectionReset
	}

	maxPayload := int(congestion.MSS) - packet.HeaderSize

	for off := 0; off < len(b); off += maxPayload {
		end := off + maxPayload
		if end > len(b) {
			end = len(b)
		}
		p := &packet.Packet{
			Type:         packet.Data,
			ConnectionID: e.sendConnID,
			SeqNr:        e.seqNr,
			AckNr:        e.recvBuf.AckNr(),
			Payload:      b[off:end],
		}
		e.unsent = append(e.unsent, p)
		e.seqNr++
	}

	if err := e.drainUnsent(); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (e *Endpoint) drainUnsent() error {
	for len(e.unsent) > 0 {
		p := e.unsent[0]
		wireLen := p.Len()

		floor := congestion.MinCwnd * congestion.MSS
		for {
			allowed := e.cc.MaxInflight(e.remoteWndSize)
			if allowed < floor {
				allowed = floor
			}
			if uint32(e.sendWin.CurrWindow())+uint32(wireLen) <= allowed || e.dupAckCount >= dupAckThreshold {
				break
			}
			if err := e.recvAndHandleOne(time.Duration(e.cc.CongestionTimeoutMs()) * time.Millisecond); err != nil {
				return err
			}
			if e.state == stateClosed || e.state == stateResetReceived {
				return ErrConnectionClosed
			}
		}

		p.Timestamp = clock.NowMicroseconds()
		p.TimestampDiff = e.theirDelay
		p.WndSize = advertisedWindow
		if err := e.transmit(p); err != nil {
			return fmt.Errorf("utp: transmit: %w", err)
		}
		e.sendWin.Append(sendwindow.Sent{
			SeqNr:      p.SeqNr,
			WireLength: wireLen,
			Payload:    p.Payload,
			AckNr:      p.AckNr,
			SentAt:     p.Timestamp,
		})
		e.metrics.AddBytesSent(len(p.Payload))
		e.unsent = e.unsent[1:]
	}
	return nil
}

// Read releases already-reassembled payload bytes into buf, blocking on
// inbound packets when none are yet available. It returns io.EOF once the
// peer's Fin has been fully consumed.
func (e *Endpoint) Read(buf []byte) (int, error) {
	for {
		if n := e.recvBuf.Release(buf); n > 0 {
			e.metrics.AddBytesReceived(n)
			return n, nil
		}
		switch e.state {
		case stateClosed:
			return 0, io.EOF
		case stateResetReceived:
			return 0, ErrConnectionReset
		}

		if err := e.recvAndHandleOne(time.Duration(e.cc.CongestionTimeoutMs()) * time.Millisecond); err != nil {
			return 0, err
		}
	}
}

// Close flushes any pending writes and performs a graceful shutdown,
// idempotently.
func (e *Endpoint) Close() error {
	var closeErr error
	e.closeOnce.Do(func() {
		if err := e.drainUnsent(); err != nil {
			e.log.WithError(err).Warn("error flushing sends before close")
		}
		for e.sendWin.Len() > 0 {
			if err := e.recvAndHandleOne(time.Duration(e.cc.CongestionTimeoutMs()) * time.Millisecond); err != nil {
				break
			}
			if e.state == stateClosed || e.state == stateResetReceived {
				break
			}
		}

		switch e.state {
		case stateClosed, stateNew, stateSynSent:
			e.setState(stateClosed)
		default:
			e.finSeqNr = e.seqNr
			fin := &packet.Packet{
				Type:         packet.Fin,
				ConnectionID: e.sendConnID,
				Timestamp:    clock.NowMicroseconds(),
				WndSize:      advertisedWindow,
				SeqNr:        e.seqNr,
				AckNr:        e.recvBuf.AckNr(),
			}
			if err := e.transmit(fin); err != nil {
				e.log.WithError(err).Warn("error sending fin")
			}
			e.setState(stateFinSent)

			for e.state != stateClosed && e.state != stateResetReceived {
				if err := e.recvAndHandleOne(time.Duration(e.cc.CongestionTimeoutMs()) * time.Millisecond); err != nil {
					break
				}
			}
		}

		closeErr = e.conn.Close()
	})
	return closeErr
}

// recvAndHandleOne blocks for up to timeout awaiting one inbound datagram
// and runs it through the state dispatcher, or performs the timeout
// recovery behavior of §5 when nothing arrives.
func (e *Endpoint) recvAndHandleOne(timeout time.Duration) error {
	e.conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 65535)
	n, from, err := e.conn.ReadFrom(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			e.onCongestionTimeout()
			return nil
		}
		return fmt.Errorf("utp: recv: %w", err)
	}
	if e.remoteAddr == nil {
		e.remoteAddr = from
	}

	p, derr := packet.Decode(buf[:n])
	if derr != nil {
		e.metrics.AddPacketDropped(metrics.ReasonMalformed)
		e.log.Debug("dropped malformed packet")
		return nil
	}
	return e.handlePacket(p)
}

// onCongestionTimeout restores the timed-receive backoff the reference
// implementation leaves commented out (§5): the timeout doubles, the
// window collapses, the oldest in-flight packet is retransmitted, and a
// bare ack is sent as a fast-resend prompt.
func (e *Endpoint) onCongestionTimeout() {
	e.log.Warn("congestion timeout, backing off")
	e.cc.OnTimeout()
	e.metrics.SetCongestionWindow(e.cc.Cwnd())
	e.metrics.SetCongestionTimeout(e.cc.CongestionTimeoutMs())

	if all := e.sendWin.All(); len(all) > 0 {
		e.retransmitSent(all[0], metrics.ReasonTimeout)
	}
	e.replyState(nil)
}

func (e *Endpoint) handlePacket(p *packet.Packet) error {
	now := clock.NowMicroseconds()
	e.remoteWndSize = p.WndSize
	e.theirDelay = absDiff32(now, p.Timestamp)

	// ack_nr advances the moment a packet strictly following it arrives,
	// independent of whether the consumer has read the buffered payload
	// yet: a State reply built below must echo this, not a stale value
	// that only catches up once Read drains the reassembly buffer.
	if e.recvBuf != nil && seq16.Follows(e.recvBuf.AckNr(), p.SeqNr) {
		e.recvBuf.AdvanceAck(p.SeqNr)
	}

	if p.Type != packet.Syn && e.state != stateSynSent && e.state != stateNew {
		if p.ConnectionID != e.sendConnID && p.ConnectionID != e.recvConnID {
			e.metrics.AddPacketDropped(metrics.ReasonWrongConnection)
			e.log.Warn("dropped packet with unrecognized connection id")
			e.replyReset()
			return nil
		}
	}

	if p.Type == packet.Reset {
		e.setState(stateResetReceived)
		e.log.Warn("peer reset the connection")
		return nil
	}

	switch e.state {
	case stateNew:
		return e.handleNew(p)
	case stateSynSent:
		return e.handleSynSent(p)
	case stateConnected:
		return e.handleConnected(p)
	case stateFinSent:
		return e.handleFinSent(p)
	default:
		return nil
	}
}

func (e *Endpoint) handleNew(p *packet.Packet) error {
	if p.Type != packet.Syn {
		e.replyReset()
		return nil
	}
	e.recvConnID = p.ConnectionID + 1
	e.sendConnID = p.ConnectionID
	e.recvBuf = reassembly.New(p.SeqNr)
	e.seqNr = uint16(rand.Intn(1 << 16))
	e.setState(stateConnected)
	e.replyState(nil)
	return nil
}

func (e *Endpoint) handleSynSent(p *packet.Packet) error {
	if p.Type != packet.State {
		return ErrInvalidReply
	}
	e.recvBuf = reassembly.New(p.SeqNr)
	e.seqNr++
	e.setState(stateConnected)
	return nil
}

func (e *Endpoint) handleConnected(p *packet.Packet) error {
	switch p.Type {
	case packet.Data:
		e.recvBuf.Insert(p.SeqNr, p.Timestamp, p.Payload)
		e.replyState(e.recvBuf.SelectiveAckBitmap(sackBytes))
	case packet.State:
		e.processAck(p)
	case packet.Fin:
		e.handleFin(p)
	case packet.Syn:
		e.replyReset()
	}
	return nil
}

func (e *Endpoint) handleFinSent(p *packet.Packet) error {
	switch p.Type {
	case packet.State:
		if p.AckNr == e.finSeqNr {
			e.setState(stateClosed)
		} else {
			e.processAck(p)
		}
	case packet.Fin:
		e.handleFin(p)
	case packet.Syn:
		e.replyReset()
	}
	return nil
}

// handleFin closes the read side once the Fin is the next deliverable
// packet; an out-of-order Fin is merely acknowledged without ending the
// connection yet, matching the reference's "drain then terminate" intent
// for the (Connected, Fin) and (FinSent, Fin) rows.
//
// ack_nr has already advanced in handlePacket by the time this runs (it
// advances on receipt for every packet type, not just Data), so a
// contiguous Fin's seq_nr equals ack_nr here rather than ack_nr+1.
func (e *Endpoint) handleFin(p *packet.Packet) {
	if p.SeqNr == e.recvBuf.AckNr() {
		e.recvBuf.Insert(p.SeqNr, p.Timestamp, nil)
		e.replyState(nil)
		e.setState(stateClosed)
		return
	}
	e.processAck(p)
}

func (e *Endpoint) processAck(p *packet.Packet) {
	e.updateDupAckTracking(p)

	bytesNewlyAcked, sentAt, found := e.sendWin.Truncate(p.AckNr)
	if found {
		now := clock.NowMicroseconds()
		e.cc.OnAck(sentAt, now, uint32(bytesNewlyAcked), uint32(e.sendWin.CurrWindow()))
		e.metrics.SetCongestionWindow(e.cc.Cwnd())
		e.metrics.SetRTT(e.cc.RTTMillis())
		e.metrics.SetCongestionTimeout(e.cc.CongestionTimeoutMs())
	}

	if p.SelectiveAck != nil {
		e.handleSelectiveAck(p)
	}

	if e.dupAckCount == dupAckThreshold {
		e.cc.OnLossDetected()
		for _, sent := range e.sendWin.After(p.AckNr) {
			e.retransmitSent(sent, metrics.ReasonDuplicateAck)
		}
	}
	e.metrics.SetCongestionWindow(e.cc.Cwnd())
}

func (e *Endpoint) updateDupAckTracking(p *packet.Packet) {
	if e.haveLastAck && p.AckNr == e.lastAckSeen {
		e.dupAckCount++
		return
	}
	e.lastAckSeen = p.AckNr
	e.haveLastAck = true
	// A new ack_nr starts the duplicate count at 1, not 0: the reference
	// counts this first sighting itself, so the third literally duplicate
	// State packet (not a fourth) reaches the threshold.
	e.dupAckCount = 1
}

// handleSelectiveAck implements the retransmission trigger of §4.5: three
// or more packets acknowledged past the implicit missing one means the
// gap is loss, not reordering.
func (e *Endpoint) handleSelectiveAck(p *packet.Packet) {
	if packet.SackCountOnes(p.SelectiveAck) < dupAckThreshold {
		return
	}

	e.cc.OnLossDetected()

	if sent, ok := e.sendWin.Find(p.AckNr + 1); ok {
		e.retransmitSent(sent, metrics.ReasonSelectiveAck)
	}

	lastSeq, haveLast := e.sendWin.LastSeq()
	bits := packet.SackLen(p.SelectiveAck)
	for k := 0; k < bits; k++ {
		seq := p.AckNr + 2 + uint16(k)
		if !haveLast || !seq16.Greater(seq, lastSeq) {
			break
		}
		if !packet.SackBit(p.SelectiveAck, k) {
			if sent, ok := e.sendWin.Find(seq); ok {
				e.retransmitSent(sent, metrics.ReasonSelectiveAck)
			}
		}
	}
}

func (e *Endpoint) retransmitSent(sent sendwindow.Sent, reason string) {
	p := &packet.Packet{
		Type:          packet.Data,
		ConnectionID:  e.sendConnID,
		Timestamp:     clock.NowMicroseconds(),
		TimestampDiff: e.theirDelay,
		WndSize:       advertisedWindow,
		SeqNr:         sent.SeqNr,
		AckNr:         e.recvBuf.AckNr(),
		Payload:       sent.Payload,
	}
	if err := e.transmit(p); err != nil {
		e.log.WithError(err).Warn("retransmit failed")
		return
	}
	e.metrics.AddRetransmit(reason)
}

func (e *Endpoint) replyState(sack []byte) {
	p := &packet.Packet{
		Type:          packet.State,
		ConnectionID:  e.sendConnID,
		Timestamp:     clock.NowMicroseconds(),
		TimestampDiff: e.theirDelay,
		WndSize:       advertisedWindow,
		SeqNr:         e.seqNr,
		AckNr:         e.recvBuf.AckNr(),
		SelectiveAck:  sack,
	}
	if err := e.transmit(p); err != nil {
		e.log.WithError(err).Warn("failed to send state packet")
	}
}

func (e *Endpoint) replyReset() {
	p := &packet.Packet{
		Type:         packet.Reset,
		ConnectionID: e.sendConnID,
		Timestamp:    clock.NowMicroseconds(),
		SeqNr:        e.seqNr,
	}
	if err := e.transmit(p); err != nil {
		e.log.WithError(err).Warn("failed to send reset packet")
	}
}

func absDiff32(a, b uint32) uint32 {
	d := int64(a) - int64(b)
	if d < 0 {
		d = -d
	}
	return uint32(d)
}
