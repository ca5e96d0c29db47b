package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// DatagramHeaderMaxLen bounds the encoded header size (spec §6: "Maximum
// header length is 16 bytes"). Every field but flags and is_last_fragment
// is a QUIC varint; the worst case is six 8-byte-class varints (48 bytes)
// but in practice group/object/offset/queue_delay/nb_objects_previous_group
// stay small for any one media session, so 16 bytes comfortably covers the
// 1/2/4-byte-class varints actually seen on the wire. Callers that need a
// hard guarantee should call Len(h) before relying on the constant.
const DatagramHeaderMaxLen = 16

// DatagramHeaderOverhead is the header size a retransmission split
// reserves room for (spec §4.4's "maxDatagramPayload minus
// headerOverhead bytes"). It equals DatagramHeaderMaxLen, not the
// encoding's true worst case described above; callers that know the exact
// header already in hand can use Len(h) instead.
const DatagramHeaderOverhead = DatagramHeaderMaxLen

// DatagramHeader is the per-fragment header carried on every datagram
// (spec §6). Unlike the original wire format this spec is descended from,
// is_last_fragment here is a fixed-width byte, not a bit packed into a
// varint-width-sensitive field: the header's encoded length never changes
// depending on whether a fragment turns out to be the last one, so a
// publisher can always do a single encoding pass instead of the
// reserve-then-patch dance used when some width-sensitive field could flip
// after the fact.
type DatagramHeader struct {
	DatagramStreamID       uint64
	GroupID                uint64
	ObjectID               uint64
	Offset                 uint64
	QueueDelay             uint64
	Flags                  uint8
	NbObjectsPreviousGroup uint64
	IsLastFragment         bool
}

// IsSkipMarker reports whether h denotes an upstream-dropped object (spec
// §6: flags=0xff, is_last_fragment=true, zero-length payload).
func (h DatagramHeader) IsSkipMarker(payloadLen int) bool {
	return h.Flags == 0xff && h.IsLastFragment && payloadLen == 0
}

// Len returns the exact encoded length of h, without allocating.
func Len(h DatagramHeader) int {
	n := quicLen(h.DatagramStreamID) + quicLen(h.GroupID) + quicLen(h.ObjectID) +
		quicLen(h.Offset) + quicLen(h.QueueDelay) + 1 /* flags */ +
		quicLen(h.NbObjectsPreviousGroup) + 1 /* is_last_fragment */
	return n
}

func quicLen(v uint64) int {
	return len(quicvarint.Append(nil, v))
}

// EncodeDatagramHeader appends the encoded header to dst and returns the
// result.
func EncodeDatagramHeader(dst []byte, h DatagramHeader) []byte {
	dst = quicvarint.Append(dst, h.DatagramStreamID)
	dst = quicvarint.Append(dst, h.GroupID)
	dst = quicvarint.Append(dst, h.ObjectID)
	dst = quicvarint.Append(dst, h.Offset)
	dst = quicvarint.Append(dst, h.QueueDelay)
	dst = append(dst, h.Flags)
	dst = quicvarint.Append(dst, h.NbObjectsPreviousGroup)
	if h.IsLastFragment {
		dst = append(dst, 1)
	} else {
		dst = append(dst, 0)
	}
	return dst
}

// DecodeDatagramHeader parses a header from the front of b and returns the
// header plus the remaining payload bytes.
func DecodeDatagramHeader(b []byte) (DatagramHeader, []byte, error) {
	r := bytes.NewReader(b)
	var h DatagramHeader
	var err error
	if h.DatagramStreamID, err = quicvarint.Read(r); err != nil {
		return h, nil, fmt.Errorf("wire: datagram_stream_id: %w", err)
	}
	if h.GroupID, err = quicvarint.Read(r); err != nil {
		return h, nil, fmt.Errorf("wire: group_id: %w", err)
	}
	if h.ObjectID, err = quicvarint.Read(r); err != nil {
		return h, nil, fmt.Errorf("wire: object_id: %w", err)
	}
	if h.Offset, err = quicvarint.Read(r); err != nil {
		return h, nil, fmt.Errorf("wire: offset: %w", err)
	}
	if h.QueueDelay, err = quicvarint.Read(r); err != nil {
		return h, nil, fmt.Errorf("wire: queue_delay: %w", err)
	}
	if h.Flags, err = r.ReadByte(); err != nil {
		return h, nil, fmt.Errorf("wire: flags: %w", err)
	}
	if h.NbObjectsPreviousGroup, err = quicvarint.Read(r); err != nil {
		return h, nil, fmt.Errorf("wire: nb_objects_previous_group: %w", err)
	}
	isLast, err := r.ReadByte()
	if err != nil {
		return h, nil, fmt.Errorf("wire: is_last_fragment: %w", err)
	}
	h.IsLastFragment = isLast != 0

	rest := make([]byte, r.Len())
	if _, err := io.ReadFull(r, rest); err != nil {
		return h, nil, fmt.Errorf("wire: payload: %w", err)
	}
	return h, rest, nil
}
