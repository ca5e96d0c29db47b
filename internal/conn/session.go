package conn

import (
	"context"
	"errors"
	"io"
	"time"

	quicrelayerrors "github.com/relaycore/quicrelay/internal/errors"
	"github.com/relaycore/quicrelay/internal/fragment"
	"github.com/relaycore/quicrelay/internal/publisher"
	"github.com/relaycore/quicrelay/internal/transport"
	"github.com/relaycore/quicrelay/internal/wire"

	"github.com/relaycore/quicrelay/internal/control"
)

// TransferMode mirrors publisher.Mode at the control-stream layer: it
// picks OPEN_STREAM vs OPEN_DATAGRAM on the wire.
type TransferMode int

const (
	TransferStream TransferMode = iota
	TransferDatagram
)

func (m TransferMode) publisherMode() publisher.Mode {
	if m == TransferDatagram {
		return publisher.ModeDatagram
	}
	return publisher.ModeStream
}

type sessionRole int

const (
	roleNone sessionRole = iota
	roleSender
	roleUploadReceiver
	roleSubscriber
	roleUploader
)

// streamSession drives one control stream's send and receive state
// machines and wires it to a fragment cache, in whichever direction its
// role requires.
type streamSession struct {
	conn *Connection
	st   transport.Stream

	receiver *control.Receiver
	sender   *control.Sender

	mode sessionRole
	url  string // set whenever sourceCache/sinkCache is attached, for AttachPublisher/DetachPublisher

	sourceCache      *fragment.Cache // read from, to produce outgoing media
	sinkCache        *fragment.Cache // written to, from incoming media
	pub              *publisher.Publisher
	datagramStreamID uint64
	hasDatagramID    bool

	// datagramSink is set alongside sinkCache whenever this session is
	// receiving datagram-mode media: its propose method serializes cache
	// writes against the connection's receiveDatagramLoop, which also
	// writes into sinkCache for the same flow.
	datagramSink *datagramSink

	wake chan struct{}
	done chan struct{}

	// repairRequests carries gap-driven REQUEST_REPAIR asks from
	// receiveDatagramLoop (a different goroutine) into driveOutbound,
	// which alone is allowed to touch s.sender.
	repairRequests chan wire.RequestRepair
}

func newStreamSession(c *Connection, st transport.Stream) *streamSession {
	return &streamSession{
		conn:           c,
		st:             st,
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
		repairRequests: make(chan wire.RequestRepair, 8),
	}
}

// requestRepair queues a gap-driven REQUEST_REPAIR for driveOutbound to
// send, dropping the request if the queue is full (another one for a
// position at or past this will follow soon enough; spec §4.4's own
// lost-entry handling is similarly best-effort under load).
func (s *streamSession) requestRepair(group, object, offset uint64) {
	select {
	case s.repairRequests <- wire.RequestRepair{GroupID: group, ObjectID: object, Offset: offset}:
		s.notify()
	default:
	}
}

// nextSinkPosition reads sinkCache's contiguous read cursor, going through
// datagramSink's lock when this session's sink is shared with the
// connection's receiveDatagramLoop goroutine.
func (s *streamSession) nextSinkPosition() (group, object, offset uint64) {
	if s.datagramSink != nil {
		return s.datagramSink.nextPosition()
	}
	return s.sinkCache.NextPosition()
}

func (s *streamSession) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Wake implements fragment.Waker / publisher notify hook.
func (s *streamSession) Wake() { s.notify() }

func (s *streamSession) close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	_ = s.st.Close()
}

// serveInbound handles a stream this connection accepted: it waits for
// the first message to learn the role, then runs the send/receive loop
// until the peer is done or the connection closes.
func (s *streamSession) serveInbound() {
	s.receiver = control.NewReceiver()
	s.sender = control.NewSender()
	h := &sessionHandler{session: s}

	readErr := make(chan error, 1)
	go func() {
		readErr <- s.readLoop(h)
	}()

	s.driveOutbound()
	<-readErr
	s.detachPublisher()
}

// detachPublisher unregisters this session's publisher (if it ever sent
// media from a registry-owned cache) from the purge sweep's bookkeeping.
func (s *streamSession) detachPublisher() {
	if s.pub != nil && s.url != "" {
		s.conn.registry.DetachPublisher(s.url, s.pub)
	}
}

// runSubscribe opens url in mode and feeds the result into sink (used by
// a relay's upstream subscribe, or any client-role subscribe).
func (s *streamSession) runSubscribe(ctx context.Context, url string, mode TransferMode, sink *fragment.Cache) error {
	s.sinkCache = sink
	s.mode = roleSubscriber

	var initial wire.Message
	if mode == TransferStream {
		initial = &wire.OpenStream{URL: []byte(url)}
		s.receiver = control.NewReceiverInState(control.RecvStream)
	} else {
		id := s.conn.allocateDatagramStreamID()
		s.datagramStreamID, s.hasDatagramID = id, true
		s.datagramSink = s.conn.registerDatagramSink(id, sink, s.requestRepair)
		defer s.conn.unregisterDatagramSink(id)
		initial = &wire.OpenDatagram{URL: []byte(url), DatagramStreamID: id}
		s.receiver = control.NewReceiverInState(control.RecvRepair)
	}
	sender, err := control.NewSenderWithInitial(initial)
	if err != nil {
		return err
	}
	s.sender = sender

	h := &sessionHandler{session: s}
	readErr := make(chan error, 1)
	go func() { readErr <- s.readLoop(h) }()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		s.driveOutbound()
	}()

	select {
	case <-ctx.Done():
		s.close()
		<-readErr
		<-writeDone
		return ctx.Err()
	case err := <-readErr:
		s.close()
		<-writeDone
		return err
	}
}

// runPublish POSTs url, waits for ACCEPT, then streams source's contents
// until it reaches its final position.
func (s *streamSession) runPublish(ctx context.Context, url string, mode TransferMode, source *fragment.Cache) error {
	s.sourceCache = source
	s.url = url
	s.mode = roleUploader
	defer s.detachPublisher()
	useDatagram := mode == TransferDatagram

	sender, err := control.NewSenderWithInitial(&wire.Post{URL: []byte(url), UseDatagram: useDatagram})
	if err != nil {
		return err
	}
	s.sender = sender
	s.receiver = control.NewReceiverInState(control.RecvConfirmation)

	h := &sessionHandler{session: s}
	readErr := make(chan error, 1)
	go func() { readErr <- s.readLoop(h) }()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		s.driveOutbound()
	}()

	select {
	case <-ctx.Done():
		s.close()
		<-readErr
		<-writeDone
		return ctx.Err()
	case err := <-readErr:
		s.close()
		<-writeDone
		return err
	}
}

func (s *streamSession) readLoop(h control.Handler) error {
	var dec wire.StreamDecoder
	buf := make([]byte, 4096)
	for {
		n, err := s.st.Read(buf)
		if n > 0 {
			msgs, decErr := dec.Feed(buf[:n])
			if decErr != nil {
				s.st.CancelWrite(0x02)
				return decErr
			}
			for _, m := range msgs {
				if herr := s.receiver.Handle(h, m); herr != nil {
					s.st.CancelWrite(0x02)
					return herr
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.onPeerDone()
				return nil
			}
			return err
		}
	}
}

// onPeerDone marks a receiving sink's cache closed once its writer's
// control stream reaches a graceful end, so the registry's purge sweep
// can eventually reclaim it (spec §4.6, §7). The final position normally
// arrives first as a FIN_DATAGRAM, which the sender emits in both modes;
// only if none arrived is it taken to be wherever this side's cursor
// already sits: stream mode delivers strictly in order, so a graceful EOF
// here means every fragment up to the last one received has already
// arrived.
func (s *streamSession) onPeerDone() {
	if s.sinkCache == nil {
		return
	}
	if _, _, ok := s.sinkCache.FinalPosition(); !ok {
		g, o, off := s.nextSinkPosition()
		if off == 0 {
			if s.datagramSink != nil {
				s.datagramSink.learnEnd(g, o)
			} else {
				s.sinkCache.LearnEnd(g, o)
			}
		}
	}
	s.sinkCache.Close()
}

// driveOutbound pulls available media from the publisher (stream mode
// only; datagram mode is driven by the connection's datagram loop) into
// the sender's queue, drains the sender into the wire, and parks on wake
// when there is nothing to do.
func (s *streamSession) driveOutbound() {
	buf := make([]byte, 4096)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		if s.pub != nil {
			s.pumpOnce()
		}
		s.drainRepairRequests()

		n, active, done, err := s.sender.PrepareToSend(buf)
		if err != nil {
			return
		}
		if n > 0 {
			if _, werr := s.st.Write(buf[:n]); werr != nil {
				return
			}
		}
		if done {
			_ = s.st.Close()
			return
		}
		if !active && n == 0 {
			select {
			case <-s.wake:
			case <-s.done:
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (s *streamSession) drainRepairRequests() {
	for {
		select {
		case rr := <-s.repairRequests:
			s.sender.QueueMessage(&rr)
		default:
			return
		}
	}
}

// repairFlagIsLastFragment packs is_last_fragment into the REPAIR
// message's flag byte: the wire table (spec §6) gives REPAIR one generic
// flag byte and no dedicated terminator field, unlike the datagram header
// which has both. HighPriorityFlag (internal/publisher) occupies bit 0;
// this occupies bit 1.
const repairFlagIsLastFragment uint8 = 0x02

func (s *streamSession) pumpOnce() {
	if s.pub.Mode() == publisher.ModeDatagram {
		// The media itself goes out over the connection's datagram sender;
		// this control stream only needs to learn when to announce FIN.
		if g, o, ok := s.pub.DatagramFinished(); ok {
			s.sender.SetFinal(g, o)
			s.sender.MarkFinished()
		}
		return
	}
	for {
		f, ok := s.pub.StreamNext()
		if !ok {
			break
		}
		flags := f.Flags
		if f.IsLastFragment {
			flags |= repairFlagIsLastFragment
		}
		s.sender.QueueRepair(wire.Repair{
			GroupID:  f.GroupID,
			ObjectID: f.ObjectID,
			Offset:   f.Offset,
			Flags:    flags,
			Length:   uint64(len(f.Data)),
			Payload:  f.Data,
		})
		s.pub.StreamAdvance(f)
	}
	if s.pub.StreamFinished() && s.sourceCache != nil {
		if g, o, ok := s.sourceCache.FinalPosition(); ok {
			s.sender.SetFinal(g, o)
			s.sender.MarkFinished()
		}
	}
}

// startDatagramPublisher attaches a datagram-mode publisher to cache and
// spawns the connection-level goroutine that drains it onto the QUIC
// connection's unreliable channel (spec §4.2 datagram mode). The control
// stream itself still carries FIN_DATAGRAM/REQUEST_REPAIR/REPAIR for this
// flow; only the bulk media bypasses it.
func (s *streamSession) startDatagramPublisher(cache *fragment.Cache, datagramStreamID uint64) {
	ds := &datagramSender{conn: s.conn, id: datagramStreamID, wake: make(chan struct{}, 1)}
	pub := publisher.New(cache, publisher.ModeDatagram, datagramStreamID, nil, func() {
		s.Wake()
		ds.notify()
	})
	ds.pub = pub
	s.pub = pub
	s.conn.registry.AttachPublisher(s.url, pub)

	s.conn.registerDatagramPublisher(datagramStreamID, ds)
	s.conn.wg.Add(1)
	go func() {
		defer s.conn.wg.Done()
		defer s.conn.unregisterDatagramPublisher(datagramStreamID)
		ds.run(s.done)
	}()
}

func protocolErr(msg string) error {
	return quicrelayerrors.NewProtocolError("conn.session", errors.New(msg))
}
