package utp

import (
	"io"
	"testing"
	"time"

	"github.com/quietharbor/goutp/congestion"
	"github.com/quietharbor/goutp/packet"
)

func TestStateString(t *testing.T) {
	cases := map[state]string{
		stateNew:           "new",
		stateSynSent:       "syn_sent",
		stateConnected:     "connected",
		stateFinSent:       "fin_sent",
		stateFinReceived:   "fin_received",
		stateResetReceived: "reset_received",
		stateClosed:        "closed",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("state %d: expected %q, got %q", s, want, got)
		}
	}
}

func TestLoopbackEcho(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptErr := make(chan error, 1)
	accepted := make(chan *Endpoint, 1)
	go func() {
		e, err := ln.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- e
		acceptErr <- nil
	}()

	initiator, err := Dial(ln.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer initiator.Close()

	if err := <-acceptErr; err != nil {
		t.Fatalf("accept: %v", err)
	}
	acceptor := <-accepted
	defer acceptor.Close()

	if acceptor.recvConnID != initiator.sendConnID || acceptor.sendConnID != initiator.recvConnID {
		t.Errorf("connection id swap invariant violated: acceptor(recv=%d,send=%d) initiator(recv=%d,send=%d)",
			acceptor.recvConnID, acceptor.sendConnID, initiator.recvConnID, initiator.sendConnID)
	}

	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	go func() {
		for off := 0; off < len(payload); off += 3 {
			initiator.Write(payload[off : off+3])
		}
		initiator.Close()
	}()

	got := make([]byte, 0, len(payload))
	buf := make([]byte, 64)
	deadline := time.Now().Add(5 * time.Second)
	for len(got) < len(payload) && time.Now().Before(deadline) {
		n, err := acceptor.Read(buf)
		got = append(got, buf[:n]...)
		if err == io.EOF {
			break
		}
	}

	if string(got) != string(payload) {
		t.Errorf("expected %v, got %v", payload, got)
	}
}

func TestTripleDupAckHalvesCongestionWindow(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan *Endpoint, 1)
	go func() {
		e, err := ln.Accept()
		if err == nil {
			accepted <- e
		}
	}()

	initiator, err := Dial(ln.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer initiator.Close()
	acceptor := <-accepted
	defer acceptor.Close()

	// The window starts at its floor (InitCwnd == MinCwnd), where halving
	// cannot shrink it; one clean ack opens it up first.
	initiator.cc.OnAck(0, 0, 10*congestion.MSS, 20*congestion.MSS)
	cwndBefore := initiator.cc.Cwnd()

	dupAck := &packet.Packet{
		Type:         packet.State,
		ConnectionID: initiator.recvConnID,
		AckNr:        initiator.seqNr,
		SeqNr:        1,
	}
	// Three identical State packets acknowledging the same ack_nr cross
	// the duplicate-ack threshold and should trigger a loss response
	// (congestion window halved), the trigger behind §8 scenario 3.
	for i := 0; i < 3; i++ {
		if err := initiator.handlePacket(dupAck); err != nil {
			t.Fatalf("handlePacket: %v", err)
		}
	}

	if initiator.cc.Cwnd() >= cwndBefore {
		t.Errorf("expected congestion window to shrink after triple duplicate ack, was %d now %d", cwndBefore, initiator.cc.Cwnd())
	}
}

func TestSelectiveAckWithThreeGapsTriggersLossResponse(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan *Endpoint, 1)
	go func() {
		e, err := ln.Accept()
		if err == nil {
			accepted <- e
		}
	}()

	initiator, err := Dial(ln.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer initiator.Close()
	acceptor := <-accepted
	defer acceptor.Close()

	// The window starts at its floor (InitCwnd == MinCwnd), where halving
	// cannot shrink it; one clean ack opens it up first.
	initiator.cc.OnAck(0, 0, 10*congestion.MSS, 20*congestion.MSS)
	cwndBefore := initiator.cc.Cwnd()

	// Three set bits past the implicit missing packet ack_nr+1: three
	// packets acknowledged past a gap implies loss, not reordering.
	sack := &packet.Packet{
		Type:         packet.State,
		ConnectionID: initiator.recvConnID,
		AckNr:        initiator.seqNr,
		SeqNr:        1,
		SelectiveAck: []byte{0x07, 0x00, 0x00, 0x00},
	}
	if err := initiator.handlePacket(sack); err != nil {
		t.Fatalf("handlePacket: %v", err)
	}

	if initiator.cc.Cwnd() >= cwndBefore {
		t.Errorf("expected congestion window to shrink after a selective ack implying loss, was %d now %d", cwndBefore, initiator.cc.Cwnd())
	}
}

func TestInvalidConnectionIDReplyReset(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan *Endpoint, 1)
	go func() {
		e, err := ln.Accept()
		if err == nil {
			accepted <- e
		}
	}()

	initiator, err := Dial(ln.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer initiator.Close()

	acceptor := <-accepted
	defer acceptor.Close()

	before := acceptor.state
	bogus := &packet.Packet{
		Type:         packet.State,
		ConnectionID: acceptor.recvConnID + 1000,
		SeqNr:        1,
		AckNr:        1,
	}
	if err := acceptor.handlePacket(bogus); err != nil {
		t.Fatalf("handlePacket: %v", err)
	}
	if acceptor.state != before {
		t.Errorf("expected state unchanged after wrong connection id, was %v now %v", before, acceptor.state)
	}
}
