// Package control implements the control-stream send and receive state
// machines multiplexed over a single QUIC bidirectional stream (spec
// §4.5). The send side follows the "single write_into(buf)" shape called
// for in spec §9's design notes, replacing the source's two-pass
// measure-then-fill publisher contract (documented in
// _examples/original_source/include/quicrq.h) with one pass that copies
// directly into the caller's buffer and reports how much it used.
//
// Grounded on internal/rtmp/control/handler.go's Context-plus-Handle
// dispatch idiom, adapted from "decode an already-framed RTMP message" to
// "advance an explicit send/receive state machine over the wire protocol
// in spec §6".
package control

import "github.com/relaycore/quicrelay/internal/wire"

// SendState is the sender-side control-stream state (spec §4.5).
type SendState int

const (
	SendReady SendState = iota
	SendInitial
	SendRepair
	SendMessage
	SendOffset
	SendFin
	SendNoMore
)

// Sender drives what bytes a control stream writes next.
type Sender struct {
	state   SendState
	pending []byte

	messageQueue []wire.Message
	repairQueue  []wire.Repair

	hasFinal            bool
	finalGroupID        uint64
	finalObjectID       uint64
	isFinalObjectIDSent bool

	finished bool
}

// NewSender creates a sender with nothing queued.
func NewSender() *Sender { return &Sender{state: SendReady} }

// NewSenderWithInitial creates a sender that first transmits msg (an
// OPEN_STREAM, OPEN_DATAGRAM, POST, or ACCEPT) before entering the ready
// state.
func NewSenderWithInitial(msg wire.Message) (*Sender, error) {
	encoded, err := wire.Encode(msg)
	if err != nil {
		return nil, err
	}
	return &Sender{state: SendInitial, pending: encoded}, nil
}

// QueueRepair enqueues a repair message for transmission once the sender
// reaches the ready state (spec §4.5: "From ready: if a repair is queued
// -> build a repair message, go to repair").
func (s *Sender) QueueRepair(r wire.Repair) { s.repairQueue = append(s.repairQueue, r) }

// QueueMessage enqueues a one-off message (e.g. ACCEPT, which is neither a
// repair nor the stream's initial message) for transmission ahead of any
// queued repairs, once the sender reaches the ready state.
func (s *Sender) QueueMessage(m wire.Message) { s.messageQueue = append(s.messageQueue, m) }

// SetFinal records the announced end of media; a FIN_DATAGRAM is sent the
// next time the sender reaches the ready state with no repair pending.
func (s *Sender) SetFinal(group, object uint64) {
	s.finalGroupID, s.finalObjectID = group, object
	s.hasFinal = true
}

// MarkFinished tells the sender there will be no more repairs or final
// announcements; once drained it transitions to fin (spec §4.5: "fin fires
// once, leaves the stream half-closed locally").
func (s *Sender) MarkFinished() { s.finished = true }

// State returns the sender's current state, mostly for tests and logging.
func (s *Sender) State() SendState { return s.state }

// PrepareToSend writes as many pending bytes as fit into buf. active
// reports whether the caller should keep the stream marked active
// (mark_active_stream, spec §5) because more is already queued or will be
// produced on the next call; done reports that the sender has reached fin
// and the caller should close the stream.
func (s *Sender) PrepareToSend(buf []byte) (n int, active bool, done bool, err error) {
	if s.state == SendNoMore {
		return 0, false, true, nil
	}
	if len(s.pending) == 0 {
		if !s.advance() {
			if s.state == SendFin {
				s.state = SendNoMore
				return 0, false, true, nil
			}
			return 0, false, false, nil
		}
	}
	n = copy(buf, s.pending)
	s.pending = s.pending[n:]
	if len(s.pending) == 0 {
		s.onDrained()
	}
	active = len(s.pending) > 0 || s.hasWork() || s.state == SendFin
	return n, active, false, nil
}

// advance tries to queue the next message's bytes into s.pending. It
// returns false if there is nothing to send right now.
func (s *Sender) advance() bool {
	switch s.state {
	case SendReady:
		if len(s.messageQueue) > 0 {
			encoded, err := wire.Encode(s.messageQueue[0])
			if err != nil {
				return false
			}
			s.pending = encoded
			s.state = SendMessage
			return true
		}
		if len(s.repairQueue) > 0 {
			encoded, err := wire.Encode(&s.repairQueue[0])
			if err != nil {
				return false
			}
			s.pending = encoded
			s.state = SendRepair
			return true
		}
		if s.hasFinal && !s.isFinalObjectIDSent {
			fin := &wire.FinDatagram{FinalGroupID: s.finalGroupID, FinalObjectID: s.finalObjectID}
			encoded, err := wire.Encode(fin)
			if err != nil {
				return false
			}
			s.pending = encoded
			s.state = SendOffset
			return true
		}
		if s.finished {
			s.state = SendFin
		}
		return false
	default:
		return false
	}
}

func (s *Sender) onDrained() {
	switch s.state {
	case SendInitial:
		s.state = SendReady
	case SendMessage:
		s.messageQueue = s.messageQueue[1:]
		s.state = SendReady
	case SendRepair:
		s.repairQueue = s.repairQueue[1:]
		s.state = SendReady
	case SendOffset:
		s.isFinalObjectIDSent = true
		s.state = SendReady
	}
}

func (s *Sender) hasWork() bool {
	return len(s.messageQueue) > 0 || len(s.repairQueue) > 0 || (s.hasFinal && !s.isFinalObjectIDSent)
}
