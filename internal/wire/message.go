// Package wire implements the control-stream message protocol and the
// datagram fragment header codec (spec §6). Every control message is
// length-prefixed on the wire by a 2-byte big-endian size that does not
// count itself; bodies use QUIC-style self-describing varints.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// Tag identifies a control-stream message type.
type Tag uint8

const (
	TagOpenStream    Tag = 1
	TagOpenDatagram  Tag = 2
	TagFinDatagram   Tag = 3
	TagRequestRepair Tag = 4
	TagRepair        Tag = 5
	TagPost          Tag = 6
	TagAccept        Tag = 7
)

func (t Tag) String() string {
	switch t {
	case TagOpenStream:
		return "OPEN_STREAM"
	case TagOpenDatagram:
		return "OPEN_DATAGRAM"
	case TagFinDatagram:
		return "FIN_DATAGRAM"
	case TagRequestRepair:
		return "REQUEST_REPAIR"
	case TagRepair:
		return "REPAIR"
	case TagPost:
		return "POST"
	case TagAccept:
		return "ACCEPT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Message is the sum type for all control-stream bodies.
type Message interface {
	Tag() Tag
}

// OpenStream requests subscription to url over the control stream, with
// repair fragments arriving in (group, object, offset) order.
type OpenStream struct{ URL []byte }

func (*OpenStream) Tag() Tag { return TagOpenStream }

// OpenDatagram requests subscription to url with fragments arriving as
// datagrams tagged with DatagramStreamID.
type OpenDatagram struct {
	URL              []byte
	DatagramStreamID uint64
}

func (*OpenDatagram) Tag() Tag { return TagOpenDatagram }

// FinDatagram announces the final (group, object) of a datagram-mode flow.
type FinDatagram struct {
	FinalGroupID  uint64
	FinalObjectID uint64
}

func (*FinDatagram) Tag() Tag { return TagFinDatagram }

// RequestRepair asks the peer to resend a fragment over the control
// stream instead of (or in addition to) the datagram channel.
type RequestRepair struct {
	GroupID  uint64
	ObjectID uint64
	Offset   uint64
	Flags    uint8
	Length   uint64
}

func (*RequestRepair) Tag() Tag { return TagRequestRepair }

// Repair carries a retransmitted fragment (or a datagram loss repair) over
// the reliable control stream.
type Repair struct {
	GroupID  uint64
	ObjectID uint64
	Offset   uint64
	Flags    uint8
	Length   uint64
	Payload  []byte
}

func (*Repair) Tag() Tag { return TagRepair }

// Post announces an upload of url; UseDatagram selects the emission mode
// the server should expect once ACCEPT completes the handshake.
type Post struct {
	URL         []byte
	UseDatagram bool
}

func (*Post) Tag() Tag { return TagPost }

// Accept confirms a prior Post, optionally assigning a datagram-stream-id.
type Accept struct {
	UseDatagram      bool
	DatagramStreamID uint64
}

func (*Accept) Tag() Tag { return TagAccept }

// EncodeBody serializes tag+body (without the outer 2-byte length prefix).
func EncodeBody(m Message) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(m.Tag()))
	switch v := m.(type) {
	case *OpenStream:
		appendVarBytes(&buf, v.URL)
	case *OpenDatagram:
		appendVarBytes(&buf, v.URL)
		appendVarint(&buf, v.DatagramStreamID)
	case *FinDatagram:
		appendVarint(&buf, v.FinalGroupID)
		appendVarint(&buf, v.FinalObjectID)
	case *RequestRepair:
		appendVarint(&buf, v.GroupID)
		appendVarint(&buf, v.ObjectID)
		appendVarint(&buf, v.Offset)
		buf.WriteByte(v.Flags)
		appendVarint(&buf, v.Length)
	case *Repair:
		appendVarint(&buf, v.GroupID)
		appendVarint(&buf, v.ObjectID)
		appendVarint(&buf, v.Offset)
		buf.WriteByte(v.Flags)
		appendVarint(&buf, v.Length)
		buf.Write(v.Payload)
	case *Post:
		appendVarBytes(&buf, v.URL)
		if v.UseDatagram {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case *Accept:
		if v.UseDatagram {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		appendVarint(&buf, v.DatagramStreamID)
	default:
		return nil, fmt.Errorf("wire: unknown message type %T", m)
	}
	return buf.Bytes(), nil
}

// Encode serializes m with its 2-byte big-endian length prefix.
func Encode(m Message) ([]byte, error) {
	body, err := EncodeBody(m)
	if err != nil {
		return nil, err
	}
	if len(body) > 0xffff {
		return nil, fmt.Errorf("wire: message body too large (%d bytes)", len(body))
	}
	out := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(out, uint16(len(body)))
	copy(out[2:], body)
	return out, nil
}

// DecodeBody parses a message body (tag byte followed by fields, no length
// prefix). It returns an error if trailing bytes remain unconsumed.
func DecodeBody(body []byte) (Message, error) {
	if len(body) < 1 {
		return nil, fmt.Errorf("wire: empty message body")
	}
	tag := Tag(body[0])
	r := bytes.NewReader(body[1:])
	var m Message
	switch tag {
	case TagOpenStream:
		url, err := readVarBytes(r)
		if err != nil {
			return nil, fmt.Errorf("wire: OPEN_STREAM: %w", err)
		}
		m = &OpenStream{URL: url}
	case TagOpenDatagram:
		url, err := readVarBytes(r)
		if err != nil {
			return nil, fmt.Errorf("wire: OPEN_DATAGRAM url: %w", err)
		}
		id, err := quicvarint.Read(r)
		if err != nil {
			return nil, fmt.Errorf("wire: OPEN_DATAGRAM datagram_stream_id: %w", err)
		}
		m = &OpenDatagram{URL: url, DatagramStreamID: id}
	case TagFinDatagram:
		g, err := quicvarint.Read(r)
		if err != nil {
			return nil, fmt.Errorf("wire: FIN_DATAGRAM group: %w", err)
		}
		o, err := quicvarint.Read(r)
		if err != nil {
			return nil, fmt.Errorf("wire: FIN_DATAGRAM object: %w", err)
		}
		m = &FinDatagram{FinalGroupID: g, FinalObjectID: o}
	case TagRequestRepair:
		rr, err := decodeRepairHead(r)
		if err != nil {
			return nil, fmt.Errorf("wire: REQUEST_REPAIR: %w", err)
		}
		m = &RequestRepair{GroupID: rr.group, ObjectID: rr.object, Offset: rr.offset, Flags: rr.flags, Length: rr.length}
	case TagRepair:
		rr, err := decodeRepairHead(r)
		if err != nil {
			return nil, fmt.Errorf("wire: REPAIR head: %w", err)
		}
		payload := make([]byte, rr.length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("wire: REPAIR payload (want %d bytes): %w", rr.length, err)
		}
		m = &Repair{GroupID: rr.group, ObjectID: rr.object, Offset: rr.offset, Flags: rr.flags, Length: rr.length, Payload: payload}
	case TagPost:
		url, err := readVarBytes(r)
		if err != nil {
			return nil, fmt.Errorf("wire: POST url: %w", err)
		}
		useDatagram, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("wire: POST use_datagram: %w", err)
		}
		m = &Post{URL: url, UseDatagram: useDatagram != 0}
	case TagAccept:
		useDatagram, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("wire: ACCEPT use_datagram: %w", err)
		}
		id, err := quicvarint.Read(r)
		if err != nil {
			return nil, fmt.Errorf("wire: ACCEPT datagram_stream_id: %w", err)
		}
		m = &Accept{UseDatagram: useDatagram != 0, DatagramStreamID: id}
	default:
		return nil, fmt.Errorf("wire: unknown tag %d", tag)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("wire: %d trailing bytes after %s body", r.Len(), tag)
	}
	return m, nil
}

type repairHead struct {
	group, object, offset, length uint64
	flags                         uint8
}

func decodeRepairHead(r *bytes.Reader) (repairHead, error) {
	var h repairHead
	var err error
	if h.group, err = quicvarint.Read(r); err != nil {
		return h, fmt.Errorf("group: %w", err)
	}
	if h.object, err = quicvarint.Read(r); err != nil {
		return h, fmt.Errorf("object: %w", err)
	}
	if h.offset, err = quicvarint.Read(r); err != nil {
		return h, fmt.Errorf("offset: %w", err)
	}
	if h.flags, err = r.ReadByte(); err != nil {
		return h, fmt.Errorf("flags: %w", err)
	}
	if h.length, err = quicvarint.Read(r); err != nil {
		return h, fmt.Errorf("length: %w", err)
	}
	return h, nil
}

func appendVarint(buf *bytes.Buffer, v uint64) {
	buf.Write(quicvarint.Append(nil, v))
}

func appendVarBytes(buf *bytes.Buffer, b []byte) {
	appendVarint(buf, uint64(len(b)))
	buf.Write(b)
}

func readVarBytes(r *bytes.Reader) ([]byte, error) {
	n, err := quicvarint.Read(r)
	if err != nil {
		return nil, fmt.Errorf("length: %w", err)
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("bytes (want %d): %w", n, err)
	}
	return out, nil
}
