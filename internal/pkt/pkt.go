// Package pkt implements rxcore.PacketCodec: a small, fixed-header wire
// format carrying exactly what rxcore's state machines need (spec.md §1
// "packet header layout, serialization, and per-packet-type handlers").
// It intentionally does not attempt to match original_source's on-wire
// layout; only the semantics rxcore depends on are preserved.
package pkt

import (
	"encoding/binary"
	"errors"

	"github.com/rocketbitz/rxrep/rxcore"
)

// headerLen is kind(1) + entryIsTx(1) + entryIndex(4) + tag(8) + field1(4) +
// field2(8).
const headerLen = 26

var errShortPacket = errors.New("rxrep/pkt: packet shorter than header")

// Codec is the concrete rxcore.PacketCodec implementation.
type Codec struct{}

// New constructs a Codec. It carries no state of its own.
func New() *Codec { return &Codec{} }

type header struct {
	kind       rxcore.PacketKind
	entryIsTx  bool
	entryIndex uint32
	tag        uint64
	field1     uint32
	field2     uint64
}

func encodeHeader(buf []byte, h header) {
	buf[0] = byte(h.kind)
	if h.entryIsTx {
		buf[1] = 1
	}
	binary.BigEndian.PutUint32(buf[2:6], h.entryIndex)
	binary.BigEndian.PutUint64(buf[6:14], h.tag)
	binary.BigEndian.PutUint32(buf[14:18], h.field1)
	binary.BigEndian.PutUint64(buf[18:26], h.field2)
}

func decodeHeader(buf []byte) header {
	return header{
		kind:       rxcore.PacketKind(buf[0]),
		entryIsTx:  buf[1] != 0,
		entryIndex: binary.BigEndian.Uint32(buf[2:6]),
		tag:        binary.BigEndian.Uint64(buf[6:14]),
		field1:     binary.BigEndian.Uint32(buf[14:18]),
		field2:     binary.BigEndian.Uint64(buf[18:26]),
	}
}

// EncodeControl encodes a CTS/RTS/EOR/RECEIPT control packet.
func (c *Codec) EncodeControl(fields rxcore.ControlFields, kind rxcore.PacketKind) (rxcore.Packet, error) {
	buf := make([]byte, headerLen)
	h := header{
		kind:       kind,
		entryIsTx:  fields.EntryIsTx,
		entryIndex: rxcore.WireFromEntryIndex(fields.EntryIndex),
		tag:        fields.Tag,
		field2:     uint64(rxcore.WireFromEntryIndex(fields.RemoteIndex)),
	}
	switch kind {
	case rxcore.PacketRTS:
		h.field1 = uint32(fields.TotalLen)
	case rxcore.PacketCTS:
		h.field1 = uint32(fields.Window)
	}
	encodeHeader(buf, h)
	return rxcore.Packet{Kind: kind, EntryIndex: fields.EntryIndex, EntryIsTx: fields.EntryIsTx, Bytes: buf}, nil
}

// EncodeData encodes either an eager single-packet send (the whole message
// fits in payload at offset 0) or a long-message data packet addressed to
// the peer's RxEntry slot learned from the CTS exchange.
func (c *Codec) EncodeData(entry *rxcore.TxEntry, offset int, payload []byte) (rxcore.Packet, error) {
	eager := offset == 0 && len(payload) == entry.TotalLen
	kind := rxcore.PacketData
	entryIsTx := false
	routeIdx := entry.RemoteIndex
	field1 := uint32(offset)
	if eager {
		kind = rxcore.PacketEager
		entryIsTx = true
		routeIdx = entry.Index()
		field1 = uint32(entry.TotalLen)
	}
	buf := make([]byte, headerLen+len(payload))
	encodeHeader(buf, header{
		kind:       kind,
		entryIsTx:  entryIsTx,
		entryIndex: rxcore.WireFromEntryIndex(routeIdx),
		tag:        entry.Tag,
		field1:     field1,
	})
	copy(buf[headerLen:], payload)
	return rxcore.Packet{Kind: kind, EntryIndex: routeIdx, EntryIsTx: entryIsTx, Bytes: buf}, nil
}

// EncodeHandshake encodes the feature-negotiation packet sent once per peer.
func (c *Codec) EncodeHandshake(featureBits uint64) (rxcore.Packet, error) {
	buf := make([]byte, headerLen)
	encodeHeader(buf, header{kind: rxcore.PacketHandshake, field2: featureBits})
	return rxcore.Packet{Kind: rxcore.PacketHandshake, Bytes: buf}, nil
}

// Decode parses a received packet's header and, for Eager/Data packets,
// slices out its payload.
func (c *Codec) Decode(raw []byte) (rxcore.DecodedPacket, error) {
	if len(raw) < headerLen {
		return rxcore.DecodedPacket{}, errShortPacket
	}
	h := decodeHeader(raw)
	out := rxcore.DecodedPacket{
		Kind:        h.kind,
		EntryIndex:  rxcore.EntryIndexFromWire(h.entryIndex),
		EntryIsTx:   h.entryIsTx,
		Tag:         h.tag,
		RemoteIndex: rxcore.EntryIndexFromWire(uint32(h.field2)),
	}
	switch h.kind {
	case rxcore.PacketHandshake:
		out.FeatureBits = h.field2
	case rxcore.PacketEager:
		out.TotalLen = int(h.field1)
		out.Payload = raw[headerLen:]
	case rxcore.PacketRTS:
		out.TotalLen = int(h.field1)
	case rxcore.PacketData:
		out.Offset = int(h.field1)
		out.Payload = raw[headerLen:]
	case rxcore.PacketCTS:
		out.Window = int(h.field1)
	}
	return out, nil
}
