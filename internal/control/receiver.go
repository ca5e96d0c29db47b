package control

import (
	"fmt"

	quicrelayerrors "github.com/relaycore/quicrelay/internal/errors"
	"github.com/relaycore/quicrelay/internal/wire"
)

// ReceiveState is the receiver-side control-stream state (spec §4.5).
type ReceiveState int

const (
	RecvInitial ReceiveState = iota
	RecvStream
	RecvConfirmation
	RecvRepair
	RecvDone
)

// Role identifies what the first message on a stream made the local side.
type Role int

const (
	RoleUnknown Role = iota
	// RoleSender means the peer asked us for media (OPEN_STREAM/OPEN_DATAGRAM).
	RoleSender
	// RoleUploadReceiver means the peer is posting media to us (POST).
	RoleUploadReceiver
)

// Handler reacts to decoded control messages. Each method corresponds to
// one wire tag; the receiver has already validated that the tag is legal
// in the current state before calling it.
type Handler interface {
	OnOpenStream(url []byte) error
	OnOpenDatagram(url []byte, datagramStreamID uint64) error
	OnPost(url []byte, useDatagram bool) error
	OnAccept(useDatagram bool, datagramStreamID uint64) error
	OnFinDatagram(group, object uint64) error
	OnRequestRepair(group, object, offset uint64, flags uint8, length uint64) error
	OnRepair(group, object, offset uint64, flags uint8, payload []byte) error
}

// Receiver drives the receive-side state machine for one control stream.
type Receiver struct {
	state ReceiveState
	role  Role

	hasFinal     bool
	finalGroupID uint64
	finalObject  uint64
}

// NewReceiver creates a receiver in the initial state.
func NewReceiver() *Receiver { return &Receiver{state: RecvInitial} }

// NewReceiverInState creates a receiver already past the initial state.
// A connection that originates an exchange (it sends OPEN_STREAM,
// OPEN_DATAGRAM, or POST itself) never receives that first message back —
// it only receives what follows it — so it seeds its own receive state
// instead of starting from RecvInitial.
func NewReceiverInState(state ReceiveState) *Receiver { return &Receiver{state: state} }

// State returns the receiver's current state.
func (r *Receiver) State() ReceiveState { return r.state }

// Role returns what the first message made the local side.
func (r *Receiver) Role() Role { return r.role }

// FinalPosition returns the most recently learned final position, if any.
func (r *Receiver) FinalPosition() (group, object uint64, ok bool) {
	return r.finalGroupID, r.finalObject, r.hasFinal
}

// MarkDone transitions the receiver to its terminal state (spec §5: "a
// stream can be abandoned independently").
func (r *Receiver) MarkDone() { r.state = RecvDone }

func protocolErr(msg string) error {
	return quicrelayerrors.NewProtocolError("control.receive", fmt.Errorf("%s", msg))
}

// Handle processes one decoded message, validating it against the current
// state before dispatching to h (spec §4.5: "All other message/state
// combinations are protocol errors and close the stream").
func (r *Receiver) Handle(h Handler, m wire.Message) error {
	switch v := m.(type) {
	case *wire.OpenStream:
		if r.state != RecvInitial {
			return protocolErr("OPEN_STREAM outside the initial state")
		}
		r.role = RoleSender
		r.state = RecvStream
		return h.OnOpenStream(v.URL)

	case *wire.OpenDatagram:
		if r.state != RecvInitial {
			return protocolErr("OPEN_DATAGRAM outside the initial state")
		}
		r.role = RoleSender
		r.state = RecvRepair
		return h.OnOpenDatagram(v.URL, v.DatagramStreamID)

	case *wire.Post:
		if r.state != RecvInitial {
			return protocolErr("POST outside the initial state")
		}
		r.role = RoleUploadReceiver
		r.state = RecvConfirmation
		return h.OnPost(v.URL, v.UseDatagram)

	case *wire.Accept:
		if r.state != RecvConfirmation {
			return protocolErr("ACCEPT outside the confirmation state")
		}
		if v.UseDatagram {
			r.state = RecvRepair
		} else {
			r.state = RecvStream
		}
		return h.OnAccept(v.UseDatagram, v.DatagramStreamID)

	case *wire.FinDatagram:
		if r.state != RecvRepair && r.state != RecvStream {
			return protocolErr("FIN_DATAGRAM outside the repair state")
		}
		r.hasFinal = true
		r.finalGroupID, r.finalObject = v.FinalGroupID, v.FinalObjectID
		return h.OnFinDatagram(v.FinalGroupID, v.FinalObjectID)

	case *wire.RequestRepair:
		if r.state != RecvRepair && r.state != RecvStream {
			return protocolErr("REQUEST_REPAIR outside the repair state")
		}
		return h.OnRequestRepair(v.GroupID, v.ObjectID, v.Offset, v.Flags, v.Length)

	case *wire.Repair:
		if r.state != RecvRepair && r.state != RecvStream {
			return protocolErr("REPAIR outside the repair state")
		}
		return h.OnRepair(v.GroupID, v.ObjectID, v.Offset, v.Flags, v.Payload)

	default:
		return protocolErr(fmt.Sprintf("unhandled message type %T", m))
	}
}
