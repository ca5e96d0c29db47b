package conn

import (
	"time"

	"github.com/relaycore/quicrelay/internal/fragment"
	"github.com/relaycore/quicrelay/internal/publisher"
	"github.com/relaycore/quicrelay/internal/wire"
)

// sessionHandler adapts one streamSession to control.Handler, wiring each
// control-stream message to the registry, the fragment cache it names, and
// (for media) a publisher.
type sessionHandler struct {
	session *streamSession
}

// OnOpenStream serves url to the peer over this stream, in (group, object,
// offset) order (spec §4.5/§6 OPEN_STREAM).
func (h *sessionHandler) OnOpenStream(url []byte) error {
	s := h.session
	cache, err := s.conn.registry.Subscribe(string(url))
	if err != nil {
		return err
	}
	s.sourceCache = cache
	s.url = string(url)
	s.mode = roleSender
	s.pub = publisher.New(cache, publisher.ModeStream, 0, nil, s.Wake)
	s.conn.registry.AttachPublisher(s.url, s.pub)
	s.notify()
	return nil
}

// OnOpenDatagram serves url to the peer as datagrams tagged with
// datagramStreamID, while this control stream keeps carrying
// FIN_DATAGRAM/REQUEST_REPAIR/REPAIR for that flow (spec §4.5/§6
// OPEN_DATAGRAM).
func (h *sessionHandler) OnOpenDatagram(url []byte, datagramStreamID uint64) error {
	s := h.session
	cache, err := s.conn.registry.Subscribe(string(url))
	if err != nil {
		return err
	}
	s.sourceCache = cache
	s.url = string(url)
	s.mode = roleSender
	s.startDatagramPublisher(cache, datagramStreamID)
	s.notify()
	return nil
}

// OnPost registers the peer as the writer for url and queues an ACCEPT
// reply (spec §4.5/§6 POST/ACCEPT).
func (h *sessionHandler) OnPost(url []byte, useDatagram bool) error {
	s := h.session
	cache, err := s.conn.registry.Publish(string(url))
	if err != nil {
		return err
	}
	s.sinkCache = cache
	s.mode = roleUploadReceiver

	var datagramStreamID uint64
	if useDatagram {
		datagramStreamID = s.conn.allocateDatagramStreamID()
		s.datagramStreamID, s.hasDatagramID = datagramStreamID, true
		s.datagramSink = s.conn.registerDatagramSink(datagramStreamID, cache, s.requestRepair)
	}
	s.sender.QueueMessage(&wire.Accept{UseDatagram: useDatagram, DatagramStreamID: datagramStreamID})
	s.notify()
	return nil
}

// OnAccept completes a runPublish handshake: once ACCEPTed, this side
// starts pushing its source cache to the peer in whichever mode was
// confirmed.
func (h *sessionHandler) OnAccept(useDatagram bool, datagramStreamID uint64) error {
	s := h.session
	if s.sourceCache == nil {
		return protocolErr("unexpected ACCEPT")
	}
	if useDatagram {
		s.startDatagramPublisher(s.sourceCache, datagramStreamID)
	} else {
		s.pub = publisher.New(s.sourceCache, publisher.ModeStream, 0, nil, s.Wake)
		s.conn.registry.AttachPublisher(s.url, s.pub)
	}
	s.notify()
	return nil
}

// OnFinDatagram records the announced end of media for a sink this session
// is receiving into.
func (h *sessionHandler) OnFinDatagram(group, object uint64) error {
	s := h.session
	if s.sinkCache == nil {
		return protocolErr("unexpected FIN_DATAGRAM")
	}
	if s.datagramSink != nil {
		s.datagramSink.learnEnd(group, object)
	} else {
		s.sinkCache.LearnEnd(group, object)
	}
	return nil
}

// OnRequestRepair answers a peer's request for a specific fragment by
// queuing it as a REPAIR on this stream, pulling from whichever cache this
// session is sending from.
func (h *sessionHandler) OnRequestRepair(group, object, offset uint64, flags uint8, length uint64) error {
	s := h.session
	if s.sourceCache == nil {
		return protocolErr("unexpected REQUEST_REPAIR")
	}
	f, ok := s.sourceCache.Lookup(group, object, offset)
	if !ok {
		return nil
	}
	outFlags := f.Flags
	if f.IsLastFragment {
		outFlags |= repairFlagIsLastFragment
	}
	s.sender.QueueRepair(wire.Repair{
		GroupID:  group,
		ObjectID: object,
		Offset:   offset,
		Flags:    outFlags,
		Length:   uint64(len(f.Data)),
		Payload:  f.Data,
	})
	s.notify()
	return nil
}

// OnRepair inserts a fragment delivered over the control stream into the
// cache this session is receiving into.
//
// wire.Repair has no field for is_last_fragment or
// nb_objects_previous_group, unlike the datagram header, which carries
// both. is_last_fragment is recovered from repairFlagIsLastFragment, packed
// into the flag byte. nb_objects_previous_group only matters at (object=0,
// offset=0) — the group-rollover marker fragment.Cache.advanceNext looks
// for — and since a control stream delivers strictly in order, the
// receiving side can read its own cursor before inserting rather than
// needing the value on the wire at all.
func (h *sessionHandler) OnRepair(group, object, offset uint64, flags uint8, payload []byte) error {
	s := h.session
	if s.sinkCache == nil {
		return protocolErr("unexpected REPAIR")
	}
	isLast := flags&repairFlagIsLastFragment != 0

	var nbPrev uint64
	if object == 0 && offset == 0 {
		_, curObject, _ := s.nextSinkPosition()
		nbPrev = curObject
	}

	f := fragment.Fragment{
		GroupID:                group,
		ObjectID:               object,
		Offset:                 offset,
		Data:                   append([]byte(nil), payload...),
		IsLastFragment:         isLast,
		Flags:                  flags &^ repairFlagIsLastFragment,
		NbObjectsPreviousGroup: nbPrev,
	}
	now := uint64(time.Now().UnixMicro())
	if s.datagramSink != nil {
		// This session's datagramSink is also written to by the
		// connection's receiveDatagramLoop goroutine; route through its
		// locked propose rather than sinkCache.Propose directly.
		return s.datagramSink.propose(f, now)
	}
	return s.sinkCache.Propose(f, now)
}
