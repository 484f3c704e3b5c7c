package shmtransport_test

import (
	"testing"
	"unsafe"

	"github.com/rocketbitz/rxrep/internal/shmtransport"
	"github.com/rocketbitz/rxrep/rxcore"
)

func TestPostSendWithoutPostedRecvReturnsRNR(t *testing.T) {
	reg := shmtransport.NewRegistry()
	src := shmtransport.New(reg, 1, 4096)
	shmtransport.New(reg, 2, 4096)

	err := src.PostSend(rxcore.PostRequest{
		IOV:  []rxcore.IOVec{{Buf: []byte("hello")}},
		Dest: rxcore.Address(2),
	})
	if err != rxcore.ErrReceiverNotReady {
		t.Fatalf("PostSend to a peer with no posted recv = %v, want ErrReceiverNotReady", err)
	}
}

func TestPostSendUnknownDestFails(t *testing.T) {
	reg := shmtransport.NewRegistry()
	src := shmtransport.New(reg, 1, 4096)

	err := src.PostSend(rxcore.PostRequest{
		IOV:  []rxcore.IOVec{{Buf: []byte("hello")}},
		Dest: rxcore.Address(99),
	})
	if err != rxcore.ErrAddressUnresolved {
		t.Fatalf("PostSend to an unregistered address = %v, want ErrAddressUnresolved", err)
	}
}

func TestPostSendDeliversAndCompletesBothSides(t *testing.T) {
	reg := shmtransport.NewRegistry()
	src := shmtransport.New(reg, 1, 4096)
	dst := shmtransport.New(reg, 2, 4096)

	recvBuf := make([]byte, 16)
	var recvCtx int
	if err := dst.PostRecv(rxcore.PostRequest{
		IOV:     []rxcore.IOVec{{Buf: recvBuf}},
		Context: unsafe.Pointer(&recvCtx),
	}); err != nil {
		t.Fatalf("PostRecv: %v", err)
	}

	var sendCtx int
	payload := []byte("hello, shm")
	if err := src.PostSend(rxcore.PostRequest{
		IOV:     []rxcore.IOVec{{Buf: payload}},
		Dest:    rxcore.Address(2),
		Context: unsafe.Pointer(&sendCtx),
	}); err != nil {
		t.Fatalf("PostSend: %v", err)
	}

	sendEvs, err := src.DrainCompletions(8)
	if err != nil || len(sendEvs) != 1 {
		t.Fatalf("src.DrainCompletions = %v, %v; want one send completion", sendEvs, err)
	}
	if sendEvs[0].Opcode != rxcore.OpcodeSend || sendEvs[0].Len != len(payload) {
		t.Fatalf("send completion = %+v, want Opcode=Send Len=%d", sendEvs[0], len(payload))
	}
	if sendEvs[0].Context != unsafe.Pointer(&sendCtx) {
		t.Fatalf("send completion context mismatch")
	}

	recvEvs, err := dst.DrainCompletions(8)
	if err != nil || len(recvEvs) != 1 {
		t.Fatalf("dst.DrainCompletions = %v, %v; want one recv completion", recvEvs, err)
	}
	ev := recvEvs[0]
	if ev.Opcode != rxcore.OpcodeRecv || ev.Len != len(payload) {
		t.Fatalf("recv completion = %+v, want Opcode=Recv Len=%d", ev, len(payload))
	}
	if ev.Context != unsafe.Pointer(&recvCtx) {
		t.Fatalf("recv completion context mismatch")
	}
	if string(ev.Packet) != string(payload) {
		t.Fatalf("delivered bytes = %q, want %q", ev.Packet, payload)
	}
	if !ev.SourceID.IsSHM || ev.SourceID.SHMAddr != 1 || !ev.SourceID.Resolved {
		t.Fatalf("recv completion source = %+v, want IsSHM=true SHMAddr=1 Resolved=true", ev.SourceID)
	}
}

func TestDrainCompletionsRespectsMax(t *testing.T) {
	reg := shmtransport.NewRegistry()
	src := shmtransport.New(reg, 1, 4096)
	dst := shmtransport.New(reg, 2, 4096)

	for i := 0; i < 3; i++ {
		buf := make([]byte, 4)
		if err := dst.PostRecv(rxcore.PostRequest{IOV: []rxcore.IOVec{{Buf: buf}}}); err != nil {
			t.Fatalf("PostRecv %d: %v", i, err)
		}
		if err := src.PostSend(rxcore.PostRequest{
			IOV:  []rxcore.IOVec{{Buf: []byte("ab")}},
			Dest: rxcore.Address(2),
		}); err != nil {
			t.Fatalf("PostSend %d: %v", i, err)
		}
	}

	first, err := dst.DrainCompletions(2)
	if err != nil || len(first) != 2 {
		t.Fatalf("DrainCompletions(2) = %v, %v; want 2 entries", first, err)
	}
	second, err := dst.DrainCompletions(2)
	if err != nil || len(second) != 1 {
		t.Fatalf("DrainCompletions(2) second call = %v, %v; want the remaining 1 entry", second, err)
	}
}

func TestPostReadUnsupported(t *testing.T) {
	reg := shmtransport.NewRegistry()
	src := shmtransport.New(reg, 1, 4096)
	if src.SupportsRead() {
		t.Fatalf("SupportsRead() = true, want false")
	}
	if err := src.PostRead(rxcore.ReadRequest{}); err != rxcore.ErrCapabilityUnsupported {
		t.Fatalf("PostRead = %v, want ErrCapabilityUnsupported", err)
	}
}

func TestDrainErrorsAlwaysEmpty(t *testing.T) {
	reg := shmtransport.NewRegistry()
	src := shmtransport.New(reg, 1, 4096)
	errs, err := src.DrainErrors(8)
	if errs != nil || err != nil {
		t.Fatalf("DrainErrors = %v, %v; want nil, nil", errs, err)
	}
}
