// Package reassembly implements the receive-side reordering buffer: data
// packets arrive out of order or duplicated over UDP, and this buffer
// releases their payloads to the consumer strictly in sequence order.
//
// The insert/release logic is grounded in the teacher's encapsulated-packet
// bookkeeping (ordered queues keyed by sequence index), adapted from
// RakNet's split-packet reassembly to uTP's single-stream ordering.
package reassembly

import "github.com/quietharbor/goutp/internal/seq16"

type entry struct {
	seqNr     uint16
	timestamp uint32
	payload   []byte
}

// Buffer holds packets received ahead of the consumer's read position and
// releases them in order once the head of the sequence is complete.
//
// ackNr and released track two distinct frontiers. ackNr is the reception
// frontier: it advances the instant a contiguous packet arrives, whether or
// not the consumer has read anything yet, and is what outbound State
// packets echo. released is the consumption frontier: it only advances as
// Release actually copies bytes out to the consumer, which may lag ackNr
// arbitrarily far behind when a caller is slow to call Read. When Release
// consumes a packet ahead of ackNr, ackNr is pulled forward to it, so ackNr
// never trails released.
type Buffer struct {
	entries  []entry
	ackNr    uint16
	released uint16
	pending  []byte
}

// New returns a buffer whose cumulative ack pointer starts at ackNr, the
// sequence number of the last packet consumed before this buffer existed
// (typically the peer's handshake seq_nr).
func New(ackNr uint16) *Buffer {
	return &Buffer{ackNr: ackNr, released: ackNr}
}

// AckNr returns the cumulative acknowledgement point: every seq_nr up to
// and including this one has arrived in order, whether or not the
// consumer has read it yet.
func (b *Buffer) AckNr() uint16 { return b.ackNr }

// AdvanceAck moves the cumulative ack pointer to seqNr. Called on receipt
// of a packet whose seq_nr is exactly one past the current ack_nr, so an
// outbound State reply acknowledges newly arrived data immediately
// instead of waiting for the consumer to drain it via Release.
func (b *Buffer) AdvanceAck(seqNr uint16) {
	b.ackNr = seqNr
}

// Insert records a data packet's payload at its sequence position. A
// duplicate (matching an already-buffered seq_nr) replaces the existing
// entry, since the later arrival carries the more recent timestamp.
func (b *Buffer) Insert(seqNr uint16, timestamp uint32, payload []byte) {
	if len(b.entries) == 0 || seq16.Greater(b.tailSeq(), seqNr) {
		b.entries = append(b.entries, entry{seqNr: seqNr, timestamp: timestamp, payload: payload})
		return
	}

	idx := 0
	for idx < len(b.entries) && seq16.Less(b.entries[idx].seqNr, seqNr) {
		idx++
	}
	if idx < len(b.entries) && b.entries[idx].seqNr == seqNr {
		b.entries[idx] = entry{seqNr: seqNr, timestamp: timestamp, payload: payload}
		return
	}
	b.entries = append(b.entries, entry{})
	copy(b.entries[idx+1:], b.entries[idx:])
	b.entries[idx] = entry{seqNr: seqNr, timestamp: timestamp, payload: payload}
}

func (b *Buffer) tailSeq() uint16 {
	return b.entries[len(b.entries)-1].seqNr
}

// Has reports whether a given sequence number is already buffered, used to
// build the SelectiveAck bitmap.
func (b *Buffer) Has(seqNr uint16) bool {
	for _, e := range b.entries {
		if e.seqNr == seqNr {
			return true
		}
	}
	return false
}

// HighestSeq returns the largest sequence number currently buffered, and
// whether the buffer is non-empty.
func (b *Buffer) HighestSeq() (uint16, bool) {
	if len(b.entries) == 0 {
		return 0, false
	}
	return b.entries[len(b.entries)-1].seqNr, true
}

// Release copies released payload bytes into dest, in sequence order,
// following the buffer's three-step release policy: drain any stashed
// partial payload first, then the head packet if it is the next expected
// one, otherwise release nothing.
func (b *Buffer) Release(dest []byte) int {
	if len(b.pending) > 0 {
		n := copy(dest, b.pending)
		b.pending = b.pending[n:]
		if len(b.pending) == 0 && len(b.entries) > 0 {
			head := b.entries[0]
			b.entries = b.entries[1:]
			b.released = head.seqNr
			if seq16.Greater(b.ackNr, head.seqNr) {
				b.ackNr = head.seqNr
			}
		}
		return n
	}

	if len(b.entries) == 0 {
		return 0
	}

	head := b.entries[0]
	if head.seqNr == b.released || head.seqNr == b.released+1 {
		n := copy(dest, head.payload)
		if n == len(head.payload) {
			b.entries = b.entries[1:]
			b.released = head.seqNr
			if seq16.Greater(b.ackNr, head.seqNr) {
				b.ackNr = head.seqNr
			}
		} else {
			b.pending = append([]byte(nil), head.payload[n:]...)
		}
		return n
	}

	return 0
}

// Len reports the number of out-of-order-or-pending packets currently
// buffered, for tests and metrics.
func (b *Buffer) Len() int { return len(b.entries) }

// Gap reports whether the buffered entries contain a hole: some entry sits
// beyond the contiguous run of buffered sequence numbers that starts at
// ack_nr+1, so at least one sequence number before it is missing. Entries
// at or behind ack_nr are already-received, merely unconsumed, and are not
// a gap. A receiver with a gap owes the sender a SelectiveAck so loss can
// be inferred.
func (b *Buffer) Gap() bool {
	next := b.ackNr + 1
	for b.Has(next) {
		next++
	}
	for _, e := range b.entries {
		if seq16.Greater(next, e.seqNr) {
			return true
		}
	}
	return false
}

// SelectiveAckBitmap builds an nBytes-long (multiple of 4) SACK bitmap: bit
// k set means seq_nr ack_nr+2+k has been received. It returns nil when
// there is no gap to report.
func (b *Buffer) SelectiveAckBitmap(nBytes int) []byte {
	if !b.Gap() {
		return nil
	}
	bitmap := make([]byte, nBytes)
	for k := 0; k < nBytes*8; k++ {
		seq := b.ackNr + 2 + uint16(k)
		if b.Has(seq) {
			bitmap[k/8] |= 1 << uint(k%8)
		}
	}
	return bitmap
}
