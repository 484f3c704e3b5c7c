package rxcore

// PacketKind identifies the wire-protocol role of a packet. Layout and
// serialization are the packet codec collaborator's concern (spec.md §1);
// rxcore only needs to know enough to drive its own state machines.
type PacketKind int

const (
	PacketHandshake PacketKind = iota
	PacketEager           // single-packet eager send/tagged-send
	PacketRTS             // request-to-send: first packet of a long message
	PacketData            // long-message data packet
	PacketCTS             // clear-to-send: window-extension control packet
	PacketEOR             // end-of-read: closes out a read-based long message
	PacketReceipt         // delivery-complete acknowledgment
)

// Packet is an opaque, codec-produced wire packet. rxcore never inspects
// Bytes; it carries EntryIndex/Peer/Kind alongside for its own bookkeeping
// and passes Bytes straight to the Transport.
type Packet struct {
	Kind       PacketKind
	EntryIndex slotIndex
	EntryIsTx  bool
	Bytes      []byte
}

// ControlFields carries the information a control packet (CTS/EOR/RECEIPT/
// HANDSHAKE) needs encoded, independent of wire layout.
type ControlFields struct {
	EntryIndex  slotIndex
	EntryIsTx   bool
	// RemoteIndex echoes the sender's own entry index back to it, so a CTS
	// reply lets a TxEntry learn its peer's RxEntry slot in one round trip
	// (spec.md §4.4 "long send with credit").
	RemoteIndex slotIndex
	// TotalLen carries the full message length on an RTS, so the receiver
	// can size its entry before any data arrives.
	TotalLen    int
	Window      int
	BytesRecvd  int
	Tag         uint64
	FeatureBits uint64
}

// DecodedPacket is what the codec hands back to the completion-processing
// layer after parsing a received packet.
type DecodedPacket struct {
	Kind        PacketKind
	EntryIndex  slotIndex
	EntryIsTx   bool
	// RemoteIndex carries a control packet's RemoteIndex echo (see
	// ControlFields.RemoteIndex).
	RemoteIndex slotIndex
	Offset      int
	Payload     []byte
	// TotalLen is the full message length, carried by RTS/eager headers so
	// the receiver can size an unexpected entry before all bytes arrive.
	TotalLen    int
	Window      int
	Tag         uint64
	IgnoreMask  uint64
	FeatureBits uint64
}

// EntryIndexFromWire and WireFromEntryIndex convert slotIndex, an unexported
// type, to and from the plain integer a codec implementation encodes on the
// wire, so internal/pkt never needs to name the type itself.
func EntryIndexFromWire(v uint32) slotIndex { return slotIndex(v) }
func WireFromEntryIndex(idx slotIndex) uint32 { return uint32(idx) }

// PacketCodec is the external collaborator (spec.md §1, "packet header
// layout, serialization, and per-packet-type handlers") that turns a
// transfer-entry's protocol decisions into wire bytes and back. rxcore
// depends only on this interface; internal/pkt supplies one concrete,
// intentionally simple implementation.
type PacketCodec interface {
	EncodeControl(fields ControlFields, kind PacketKind) (Packet, error)
	EncodeData(entry *TxEntry, offset int, payload []byte) (Packet, error)
	EncodeHandshake(featureBits uint64) (Packet, error)
	Decode(raw []byte) (DecodedPacket, error)
}
