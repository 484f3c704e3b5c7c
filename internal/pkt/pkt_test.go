package pkt_test

import (
	"testing"

	"github.com/rocketbitz/rxrep/internal/pkt"
	"github.com/rocketbitz/rxrep/rxcore"
)

func TestEncodeControlRTSRoundTrip(t *testing.T) {
	c := pkt.New()
	fields := rxcore.ControlFields{
		EntryIndex: rxcore.EntryIndexFromWire(5),
		EntryIsTx:  true,
		TotalLen:   4096,
		Tag:        99,
	}
	p, err := c.EncodeControl(fields, rxcore.PacketRTS)
	if err != nil {
		t.Fatalf("EncodeControl: %v", err)
	}
	decoded, err := c.Decode(p.Bytes)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Kind != rxcore.PacketRTS {
		t.Fatalf("kind = %v, want PacketRTS", decoded.Kind)
	}
	if decoded.EntryIndex != rxcore.EntryIndexFromWire(5) {
		t.Fatalf("entry index round-trip mismatch")
	}
	if !decoded.EntryIsTx {
		t.Fatalf("entryIsTx not round-tripped")
	}
	if decoded.TotalLen != 4096 {
		t.Fatalf("totalLen = %d, want 4096", decoded.TotalLen)
	}
	if decoded.Tag != 99 {
		t.Fatalf("tag = %d, want 99", decoded.Tag)
	}
}

func TestEncodeControlCTSRoundTrip(t *testing.T) {
	c := pkt.New()
	fields := rxcore.ControlFields{
		EntryIndex:  rxcore.EntryIndexFromWire(5),
		EntryIsTx:   true,
		RemoteIndex: rxcore.EntryIndexFromWire(9),
		Window:      8192,
		Tag:         1,
	}
	p, err := c.EncodeControl(fields, rxcore.PacketCTS)
	if err != nil {
		t.Fatalf("EncodeControl: %v", err)
	}
	decoded, err := c.Decode(p.Bytes)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Kind != rxcore.PacketCTS {
		t.Fatalf("kind = %v, want PacketCTS", decoded.Kind)
	}
	if decoded.Window != 8192 {
		t.Fatalf("window = %d, want 8192", decoded.Window)
	}
	if decoded.RemoteIndex != rxcore.EntryIndexFromWire(9) {
		t.Fatalf("remote index round-trip mismatch")
	}
}

func TestEncodeDataEagerRoundTrip(t *testing.T) {
	c := pkt.New()
	pool := rxcore.NewTxEntryPool(1)
	pool.Grow()
	entry, ok := pool.Acquire()
	if !ok {
		t.Fatalf("acquire: pool exhausted")
	}
	entry.TotalLen = 4
	payload := []byte("data")

	p, err := c.EncodeData(entry, 0, payload)
	if err != nil {
		t.Fatalf("EncodeData: %v", err)
	}
	decoded, err := c.Decode(p.Bytes)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Kind != rxcore.PacketEager {
		t.Fatalf("kind = %v, want PacketEager (whole message fits at offset 0)", decoded.Kind)
	}
	if !decoded.EntryIsTx {
		t.Fatalf("eager packet should route by the sender's own entry index")
	}
	if decoded.EntryIndex != entry.Index() {
		t.Fatalf("entry index = %v, want %v", decoded.EntryIndex, entry.Index())
	}
	if decoded.TotalLen != 4 {
		t.Fatalf("totalLen = %d, want 4", decoded.TotalLen)
	}
	if string(decoded.Payload) != "data" {
		t.Fatalf("payload = %q, want %q", decoded.Payload, "data")
	}
}

func TestEncodeDataLongMessageRoundTrip(t *testing.T) {
	c := pkt.New()
	pool := rxcore.NewTxEntryPool(1)
	pool.Grow()
	entry, ok := pool.Acquire()
	if !ok {
		t.Fatalf("acquire: pool exhausted")
	}
	entry.TotalLen = 100
	entry.RemoteIndex = rxcore.EntryIndexFromWire(42)
	payload := []byte("partial payload, not the whole message")

	p, err := c.EncodeData(entry, 16, payload)
	if err != nil {
		t.Fatalf("EncodeData: %v", err)
	}
	decoded, err := c.Decode(p.Bytes)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Kind != rxcore.PacketData {
		t.Fatalf("kind = %v, want PacketData (not the whole message at offset 0)", decoded.Kind)
	}
	if decoded.EntryIsTx {
		t.Fatalf("a data packet addresses the receiver's RxEntry, not the sender's")
	}
	if decoded.EntryIndex != rxcore.EntryIndexFromWire(42) {
		t.Fatalf("entry index = %v, want the RemoteIndex learned from CTS", decoded.EntryIndex)
	}
	if decoded.Offset != 16 {
		t.Fatalf("offset = %d, want 16", decoded.Offset)
	}
	if string(decoded.Payload) != string(payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestEncodeHandshakeRoundTrip(t *testing.T) {
	c := pkt.New()
	p, err := c.EncodeHandshake(0xABCD)
	if err != nil {
		t.Fatalf("EncodeHandshake: %v", err)
	}
	decoded, err := c.Decode(p.Bytes)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Kind != rxcore.PacketHandshake {
		t.Fatalf("kind = %v, want PacketHandshake", decoded.Kind)
	}
	if decoded.FeatureBits != 0xABCD {
		t.Fatalf("featureBits = %x, want abcd", decoded.FeatureBits)
	}
}

func TestDecodeShortPacketErrors(t *testing.T) {
	c := pkt.New()
	if _, err := c.Decode([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected an error decoding a packet shorter than the header")
	}
}
