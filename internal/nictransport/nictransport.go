// Package nictransport adapts fi.Endpoint and fi.CompletionQueue to
// rxcore.Transport, the NIC-facing half of rxrep's dual-transport dispatch.
package nictransport

import (
	"errors"
	"sync"
	"unsafe"

	"github.com/rocketbitz/rxrep/fi"
	"github.com/rocketbitz/rxrep/internal/capi"
	"github.com/rocketbitz/rxrep/rxcore"
)

// inflightPost remembers the buffer and direction of a post between PostSend
// /PostRecv and the matching drained completion, since the teacher's
// CompletionEvent carries no buffer or length field for the context CQ
// format (fi/endpoint.go's CompletionEvent: Context, Tag, Data, Source only).
type inflightPost struct {
	buf    []byte
	isRecv bool
}

// deferredPost is a post held back because its request carried
// PostFlagMore: the provider descriptor is already built, but the doorbell
// ring (the actual fi.Endpoint call) waits for Flush or the next
// non-deferred post of the same direction.
type deferredPost struct {
	send *fi.SendRequest
	recv *fi.RecvRequest
	raw  unsafe.Pointer
}

// Transport wraps an enabled fi.Endpoint with its send/recv completion
// queues.
type Transport struct {
	ep        *fi.Endpoint
	sendCQ    *fi.CompletionQueue
	recvCQ    *fi.CompletionQueue
	mtu       int
	supportsR bool

	mu           sync.Mutex
	inflight     map[unsafe.Pointer]inflightPost
	pendingSends []deferredPost
	pendingRecvs []deferredPost
}

// New constructs a Transport. sendCQ and recvCQ may be the same queue if the
// provider shares one CQ across both directions.
func New(ep *fi.Endpoint, sendCQ, recvCQ *fi.CompletionQueue, mtu int, supportsRead bool) *Transport {
	return &Transport{
		ep: ep, sendCQ: sendCQ, recvCQ: recvCQ, mtu: mtu, supportsR: supportsRead,
		inflight: make(map[unsafe.Pointer]inflightPost),
	}
}

func (t *Transport) Kind() rxcore.TransportKind { return rxcore.TransportNIC }
func (t *Transport) SupportsRead() bool         { return t.supportsR }
func (t *Transport) MTU() int                   { return t.mtu }

func descOf(desc []any) *fi.MemoryRegion {
	if len(desc) == 0 {
		return nil
	}
	mr, _ := desc[0].(*fi.MemoryRegion)
	return mr
}

func (t *Transport) track(raw unsafe.Pointer, buf []byte, isRecv bool) {
	t.mu.Lock()
	t.inflight[raw] = inflightPost{buf: buf, isRecv: isRecv}
	t.mu.Unlock()
}

func (t *Transport) untrack(raw unsafe.Pointer) (inflightPost, bool) {
	t.mu.Lock()
	p, ok := t.inflight[raw]
	if ok {
		delete(t.inflight, raw)
	}
	t.mu.Unlock()
	return p, ok
}

// PostSend posts a send-side packet (spec.md §6 "Transport boundary"). A
// request carrying PostFlagMore has its descriptor built and tracked now
// but the actual fi.Endpoint.PostSend call deferred until Flush or the next
// non-More send, coalescing a run of sends queued in the same Progress tick
// into fewer doorbell rings (spec.md §4.2, §9).
func (t *Transport) PostSend(req rxcore.PostRequest) error {
	if len(req.IOV) != 1 {
		return rxcore.InvalidStateError{Component: "nictransport", State: "PostSend", Detail: "single-IOV posts only"}
	}
	cctx, err := fi.NewCompletionContext()
	if err != nil {
		return err
	}
	cctx.SetValue(req.Context)
	raw := cctx.Pointer()
	t.track(raw, req.IOV[0].Buf, false)
	fiReq := &fi.SendRequest{
		Buffer:  req.IOV[0].Buf,
		Dest:    fi.Address(req.Dest),
		Region:  descOf(req.Desc),
		Context: cctx,
	}
	if req.Flags&rxcore.PostFlagMore != 0 {
		t.mu.Lock()
		t.pendingSends = append(t.pendingSends, deferredPost{send: fiReq, raw: raw})
		t.mu.Unlock()
		return nil
	}
	if err := t.flushPendingSends(); err != nil {
		t.untrack(raw)
		return err
	}
	if _, sendErr := t.ep.PostSend(fiReq); translatePostErr(sendErr) != nil {
		t.untrack(raw)
		return translatePostErr(sendErr)
	}
	return nil
}

// PostRecv posts a receive buffer. Deferral under PostFlagMore mirrors
// PostSend: internal recv buffers are replenished in batches
// (bulkPostInternalRecv), and only the last one in a batch needs to ring
// the doorbell.
func (t *Transport) PostRecv(req rxcore.PostRequest) error {
	if len(req.IOV) != 1 {
		return rxcore.InvalidStateError{Component: "nictransport", State: "PostRecv", Detail: "single-IOV posts only"}
	}
	cctx, err := fi.NewCompletionContext()
	if err != nil {
		return err
	}
	cctx.SetValue(req.Context)
	raw := cctx.Pointer()
	t.track(raw, req.IOV[0].Buf, true)
	fiReq := &fi.RecvRequest{
		Buffer:  req.IOV[0].Buf,
		Source:  fi.Address(req.Dest),
		Region:  descOf(req.Desc),
		Context: cctx,
	}
	if req.Flags&rxcore.PostFlagMore != 0 {
		t.mu.Lock()
		t.pendingRecvs = append(t.pendingRecvs, deferredPost{recv: fiReq, raw: raw})
		t.mu.Unlock()
		return nil
	}
	if err := t.flushPendingRecvs(); err != nil {
		t.untrack(raw)
		return err
	}
	if _, recvErr := t.ep.PostRecv(fiReq); translatePostErr(recvErr) != nil {
		t.untrack(raw)
		return translatePostErr(recvErr)
	}
	return nil
}

// Flush rings the doorbell on every post deferred this tick via
// PostFlagMore (spec.md §4.6 step 11). A post that fails here untracks
// itself and is reported; the caller (rxcore.Endpoint.Progress) treats a
// Flush error the same as any other transport error.
func (t *Transport) Flush() error {
	if err := t.flushPendingSends(); err != nil {
		return err
	}
	return t.flushPendingRecvs()
}

func (t *Transport) flushPendingSends() error {
	t.mu.Lock()
	batch := t.pendingSends
	t.pendingSends = nil
	t.mu.Unlock()
	for _, p := range batch {
		if _, sendErr := t.ep.PostSend(p.send); translatePostErr(sendErr) != nil {
			t.untrack(p.raw)
			return translatePostErr(sendErr)
		}
	}
	return nil
}

func (t *Transport) flushPendingRecvs() error {
	t.mu.Lock()
	batch := t.pendingRecvs
	t.pendingRecvs = nil
	t.mu.Unlock()
	for _, p := range batch {
		if _, recvErr := t.ep.PostRecv(p.recv); translatePostErr(recvErr) != nil {
			t.untrack(p.raw)
			return translatePostErr(recvErr)
		}
	}
	return nil
}

// PostRead issues a one-sided RMA read.
func (t *Transport) PostRead(req rxcore.ReadRequest) error {
	if !t.supportsR {
		return rxcore.ErrCapabilityUnsupported
	}
	if len(req.IOV) != 1 {
		return rxcore.InvalidStateError{Component: "nictransport", State: "PostRead", Detail: "single-IOV posts only"}
	}
	cctx, err := fi.NewCompletionContext()
	if err != nil {
		return err
	}
	cctx.SetValue(req.Context)
	_, err = t.ep.PostRead(&fi.RMARequest{
		Buffer:  req.IOV[0].Buf,
		Region:  descOf(req.Desc),
		Key:     req.Key,
		Offset:  req.Offset,
		Address: fi.Address(req.Dest),
		Context: cctx,
	})
	return translatePostErr(err)
}

func translatePostErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, capi.ErrAgain) || errors.Is(err, capi.ErrWouldBlock) {
		return rxcore.ErrAgain
	}
	return err
}

// DrainCompletions reads up to max completion entries from each distinct
// completion queue (receive and send) without blocking.
func (t *Transport) DrainCompletions(max int) ([]rxcore.CompletionEvent, error) {
	var out []rxcore.CompletionEvent
	for _, cq := range uniqueCQs(t.recvCQ, t.sendCQ) {
		for i := 0; i < max; i++ {
			ev, err := cq.ReadContext()
			if err != nil {
				if errors.Is(err, fi.ErrNoCompletion) {
					break
				}
				return out, err
			}
			out = append(out, t.toCompletionEvent(ev))
		}
	}
	return out, nil
}

func (t *Transport) toCompletionEvent(ev *fi.CompletionEvent) rxcore.CompletionEvent {
	post, _ := t.untrack(ev.Context)
	ctx, _ := resolveContext(ev.Context)
	out := rxcore.CompletionEvent{
		Context: ctx,
		Opcode:  rxcore.OpcodeSend,
		Len:     len(post.buf),
		SourceID: rxcore.SourceID{
			SLID:     uint64(ev.Source),
			Resolved: ev.Source != fi.AddressUnspecified,
		},
	}
	if post.isRecv {
		out.Opcode = rxcore.OpcodeRecv
		out.Packet = post.buf
	}
	return out
}

func resolveContext(ptr unsafe.Pointer) (unsafe.Pointer, error) {
	cctx, err := (&fi.CompletionEvent{Context: ptr}).Resolve()
	if err != nil {
		return nil, err
	}
	v := cctx.Value()
	out, _ := v.(unsafe.Pointer)
	return out, nil
}

// DrainErrors reads pending completion-error entries without blocking.
func (t *Transport) DrainErrors(max int) ([]rxcore.CompletionError, error) {
	var out []rxcore.CompletionError
	for _, cq := range uniqueCQs(t.sendCQ, t.recvCQ) {
		for i := 0; i < max; i++ {
			ce, err := cq.ReadError(0)
			if err != nil {
				if errors.Is(err, fi.ErrNoCompletion) {
					break
				}
				return out, err
			}
			t.untrack(ce.Context)
			ctx, _ := resolveContext(ce.Context)
			out = append(out, rxcore.CompletionError{
				Context:     ctx,
				Err:         ce.Err,
				ProviderErr: ce.ProviderErr,
			})
		}
	}
	return out, nil
}

func uniqueCQs(a, b *fi.CompletionQueue) []*fi.CompletionQueue {
	if a == b {
		return []*fi.CompletionQueue{a}
	}
	return []*fi.CompletionQueue{a, b}
}
