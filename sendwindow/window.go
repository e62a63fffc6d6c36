// Package sendwindow tracks packets transmitted but not yet cumulatively
// acknowledged: the bytes-in-flight accounting the congestion controller
// needs, and the lookup retransmission needs.
//
// Grounded in the teacher's Session.SendQueue/RecoveryQueue split, adapted
// from RakNet's per-packet resend tracking to uTP's cumulative-ACK
// truncation model.
package sendwindow

import "github.com/quietharbor/goutp/internal/seq16"

// Sent is one packet still outstanding in the window: enough to retransmit
// it verbatim and to account its wire length.
type Sent struct {
	SeqNr      uint16
	WireLength int
	Payload    []byte
	AckNr      uint16 // the ack_nr stamped on the packet at first transmission
	SentAt     uint32 // the timestamp_microseconds stamped at transmission
}

// Window is the ordered list of outstanding packets and the running
// byte-in-flight total they imply.
type Window struct {
	packets    []Sent
	currWindow int
}

// New returns an empty send window.
func New() *Window { return &Window{} }

// CurrWindow returns the number of bytes currently in flight.
func (w *Window) CurrWindow() int { return w.currWindow }

// Len returns the number of outstanding packets.
func (w *Window) Len() int { return len(w.packets) }

// Append records a newly transmitted packet.
func (w *Window) Append(p Sent) {
	w.packets = append(w.packets, p)
	w.currWindow += p.WireLength
}

// Truncate removes every packet up to and including the one with seq_nr ==
// ackNr, decrementing curr_window by each removed packet's wire length. It
// reports the total bytes newly acknowledged, the send timestamp of the
// packet at the cumulative ack point (the congestion controller's delay
// sample), and whether a matching packet was found at all (a miss means
// the ACK was a keepalive or referenced an already-truncated packet).
func (w *Window) Truncate(ackNr uint16) (bytesNewlyAcked int, sentAt uint32, found bool) {
	idx := -1
	for i, p := range w.packets {
		if p.SeqNr == ackNr {
			idx = i
			break
		}
	}
	if idx == -1 {
		return 0, 0, false
	}
	sentAt = w.packets[idx].SentAt
	for i := 0; i <= idx; i++ {
		bytesNewlyAcked += w.packets[i].WireLength
	}
	w.currWindow -= bytesNewlyAcked
	w.packets = w.packets[idx+1:]
	return bytesNewlyAcked, sentAt, true
}

// Find locates an outstanding packet by exact sequence number, for
// retransmission.
func (w *Window) Find(seqNr uint16) (Sent, bool) {
	for _, p := range w.packets {
		if p.SeqNr == seqNr {
			return p, true
		}
	}
	return Sent{}, false
}

// All returns every outstanding packet, in transmission order.
func (w *Window) All() []Sent {
	return w.packets
}

// After returns every outstanding packet with seq_nr strictly greater than
// the given one, used for the triple-duplicate-ACK retransmission trigger.
func (w *Window) After(seqNr uint16) []Sent {
	var out []Sent
	for _, p := range w.packets {
		if seq16.Greater(seqNr, p.SeqNr) {
			out = append(out, p)
		}
	}
	return out
}

// LastSeq returns the sequence number of the most recently appended
// outstanding packet, and whether the window is non-empty.
func (w *Window) LastSeq() (uint16, bool) {
	if len(w.packets) == 0 {
		return 0, false
	}
	return w.packets[len(w.packets)-1].SeqNr, true
}
