package conn

import (
	"time"

	"github.com/relaycore/quicrelay/internal/ack"
	"github.com/relaycore/quicrelay/internal/bufpool"
	"github.com/relaycore/quicrelay/internal/fragment"
	"github.com/relaycore/quicrelay/internal/publisher"
	"github.com/relaycore/quicrelay/internal/transport"
	"github.com/relaycore/quicrelay/internal/wire"
)

// ackSweepInterval and ackTimeout bound the datagram ack tracker's
// retransmission sweep (spec §4.4). Real QUIC per-datagram ack/loss
// feedback isn't available through internal/transport.Conn's seam (see its
// MaxDatagramPayload doc comment for the same kind of gap), so a sent
// fragment that goes unacknowledged for ackTimeout is treated as lost and
// opportunistically re-sent; the control stream's REQUEST_REPAIR/REPAIR
// messages remain the correctness backstop regardless of how this sweep
// behaves.
const (
	ackSweepInterval = 200 * time.Millisecond
	ackTimeout       = uint64(400 * time.Millisecond / time.Microsecond)
)

// datagramSender drains one publisher's datagram-mode output onto the
// connection's unreliable channel, one QUIC datagram per fragment or skip
// marker (spec §4.2, §6).
type datagramSender struct {
	conn    *Connection
	pub     *publisher.Publisher
	id      uint64
	wake    chan struct{}
	tracker *ack.Tracker
}

func (d *datagramSender) notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *datagramSender) run(done <-chan struct{}) {
	if d.tracker == nil {
		d.tracker = ack.New()
	}

	for {
		select {
		case <-done:
			return
		default:
		}

		now := uint64(time.Now().UnixMicro())
		df, ok := d.pub.DatagramNext(now)
		if !ok {
			if err := d.sweep(now); err != nil {
				return
			}
			select {
			case <-d.wake:
			case <-done:
				return
			case <-time.After(ackSweepInterval):
			}
			continue
		}

		if err := d.send(df.Header, df.Payload, now); err != nil {
			return
		}
		d.tracker.Init(ack.Entry{
			GroupID: df.Header.GroupID, ObjectID: df.Header.ObjectID, Offset: df.Header.Offset,
			Length: uint64(len(df.Payload)), IsLastFragment: df.Header.IsLastFragment,
			Flags: df.Header.Flags, NbObjectsPreviousGroup: df.Header.NbObjectsPreviousGroup,
			LastSentTime: now, Payload: append([]byte(nil), df.Payload...),
		})
	}
}

// send encodes and transmits one datagram-mode fragment, using the shared
// buffer pool for the header+payload scratch space (spec §4.4 note on
// sized buffers for datagram I/O).
func (d *datagramSender) send(hdr wire.DatagramHeader, payload []byte, now uint64) error {
	hdr.DatagramStreamID = d.id
	buf := bufpool.Get(wire.Len(hdr) + len(payload))[:0]
	buf = wire.EncodeDatagramHeader(buf, hdr)
	buf = append(buf, payload...)
	err := d.conn.qc.SendDatagram(buf)
	bufpool.Put(buf)
	return err
}

// sweep re-sends any outstanding fragment the tracker hasn't seen acked
// within ackTimeout (spec §4.4 lost), splitting it if it no longer fits a
// single datagram.
func (d *datagramSender) sweep(now uint64) error {
	pieces, err := d.tracker.Sweep(now, ackTimeout, transport.MaxDatagramPayload, wire.DatagramHeaderOverhead)
	if err != nil {
		return err
	}
	for _, p := range pieces {
		hdr := wire.DatagramHeader{
			GroupID: p.Entry.GroupID, ObjectID: p.Entry.ObjectID, Offset: p.Entry.Offset,
			IsLastFragment: p.Entry.IsLastFragment, Flags: p.Entry.Flags,
			NbObjectsPreviousGroup: p.Entry.NbObjectsPreviousGroup,
		}
		if err := d.send(hdr, p.Payload, now); err != nil {
			return err
		}
	}
	return nil
}

// receiveDatagramLoop routes every inbound datagram to the sink registered
// for its datagram-stream-id, if any (spec §4.2/§6). Datagrams for an
// unknown id, or that fail to decode, are dropped silently: the channel is
// unreliable by design and a stale id just means the subscriber has since
// gone away.
func (c *Connection) receiveDatagramLoop() {
	for {
		b, err := c.qc.ReceiveDatagram(c.ctx)
		if err != nil {
			return
		}
		hdr, payload, err := wire.DecodeDatagramHeader(b)
		if err != nil {
			c.log.Warn("dropping malformed datagram", "error", err)
			continue
		}

		c.mu.Lock()
		sink := c.datagramSinks[hdr.DatagramStreamID]
		c.mu.Unlock()
		if sink == nil {
			continue
		}
		if hdr.IsSkipMarker(len(payload)) {
			continue
		}

		detectGap(sink, hdr)

		var nbPrev uint64
		if hdr.ObjectID == 0 {
			nbPrev = hdr.NbObjectsPreviousGroup
		}
		_ = sink.propose(fragment.Fragment{
			GroupID:                hdr.GroupID,
			ObjectID:               hdr.ObjectID,
			Offset:                 hdr.Offset,
			Data:                   append([]byte(nil), payload...),
			IsLastFragment:         hdr.IsLastFragment,
			Flags:                  hdr.Flags,
			QueueDelay:             hdr.QueueDelay,
			NbObjectsPreviousGroup: nbPrev,
		}, uint64(time.Now().UnixMicro()))
	}
}

// position order compares (group, object, offset) tuples the same way the
// cache itself lays out contiguous delivery.
func position(group, object, offset uint64) [3]uint64 { return [3]uint64{group, object, offset} }

func positionLess(a, b [3]uint64) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// detectGap asks for repair of the cache's next expected position when an
// incoming datagram lands strictly ahead of it, meaning at least one earlier
// fragment never arrived (spec §4.4: a receiver-driven REQUEST_REPAIR). It
// only fires once per distinct gap; the REPAIR reply (or a later datagram
// that happens to fill it) is what eventually advances NextPosition and lets
// a later, different gap be detected.
func detectGap(sink *datagramSink, hdr wire.DatagramHeader) {
	if sink.requestRepair == nil {
		return
	}
	group, object, offset, should := sink.checkGap(hdr.GroupID, hdr.ObjectID, hdr.Offset)
	if should {
		sink.requestRepair(group, object, offset)
	}
}
