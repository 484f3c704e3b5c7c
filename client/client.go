// Package client is the application-facing connectionless messaging façade.
// It wraps an endpoint.Endpoint (itself a façade over rxcore.Endpoint and
// the real libfabric resources backing it) with the async operation/future/
// handler idiom: Dial starts a background goroutine that drives the
// endpoint's progress engine and resolves completions into SendFuture/
// ReceiveFuture values and registered handlers.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/rocketbitz/rxrep/endpoint"
	"github.com/rocketbitz/rxrep/rxcore"
)

// Logger, StructuredLogger, Tracer, Span, TraceAttribute, and MetricHook are
// aliases to endpoint's equivalents rather than a second, parallel
// interface hierarchy: Client is a thin façade over endpoint.Endpoint, and
// Config.Metrics is the very value endpoint.Open wires into the endpoint's
// own submit/progress instrumentation.
type (
	Logger           = endpoint.Logger
	StructuredLogger = endpoint.StructuredLogger
	Tracer           = endpoint.Tracer
	Span             = endpoint.Span
	TraceAttribute   = endpoint.TraceAttribute
	MetricHook       = endpoint.MetricHook
)

// ErrClosed indicates the client has already been closed.
var ErrClosed = errors.New("rxrep client: closed")

// Config controls Dial's behavior.
type Config struct {
	Provider string
	Node     string
	Service  string
	Timeout  time.Duration

	// EnableSHM opens the node-local transport alongside the NIC one
	// (spec.md §4.9, "two transports, one endpoint").
	EnableSHM bool
	SHMAddr   uint64

	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

// OperationKind identifies which half of an operation a completion belongs to.
type OperationKind int

const (
	OperationSend OperationKind = iota
	OperationReceive
)

func (k OperationKind) String() string {
	if k == OperationReceive {
		return "receive"
	}
	return "send"
}

// OperationError wraps a terminal completion carrying a provider failure.
type OperationError struct {
	Kind        OperationKind
	Err         error
	ProviderErr int
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("rxrep client: %s failed: %v (provider_err=%d)", e.Kind, e.Err, e.ProviderErr)
}

func (e *OperationError) Unwrap() error { return e.Err }

func operationError(kind OperationKind, err error, providerErr int) error {
	if err == nil {
		return nil
	}
	return &OperationError{Kind: kind, Err: err, ProviderErr: providerErr}
}

// SendCompletion is delivered to every registered SendHandler.
type SendCompletion struct {
	Size int
	Err  error
}

// ReceiveCompletion is delivered to every registered ReceiveHandler. Payload
// is an isolated copy: the caller's own receive buffer may be reused or
// mutated as soon as the owning ReceiveFuture resolves.
type ReceiveCompletion struct {
	Payload []byte
	Source  rxcore.Address
	Err     error
}

// SendHandler and ReceiveHandler observe every send/receive completion on a
// Client, independent of any particular future.
type SendHandler func(SendCompletion)
type ReceiveHandler func(ReceiveCompletion)

// Stats are monotonic counters a caller can poll without registering a handler.
type Stats struct {
	SendPosted     uint64
	SendCompleted  uint64
	SendErrored    uint64
	ReceivePosted  uint64
	ReceiveMatched uint64
	ReceiveErrored uint64
}

type clientStats struct {
	sendPosted, sendCompleted, sendErrored        atomic.Uint64
	receivePosted, receiveMatched, receiveErrored atomic.Uint64
}

func (s *clientStats) snapshot() Stats {
	return Stats{
		SendPosted:     s.sendPosted.Load(),
		SendCompleted:  s.sendCompleted.Load(),
		SendErrored:    s.sendErrored.Load(),
		ReceivePosted:  s.receivePosted.Load(),
		ReceiveMatched: s.receiveMatched.Load(),
		ReceiveErrored: s.receiveErrored.Load(),
	}
}

// operationResult is the terminal outcome of one Send/Receive.
type operationResult struct {
	length      int
	err         error
	source      rxcore.Address
	providerErr int
}

// receiveMeta carries the caller-owned buffer a receive landed into, so
// dispatch can build an isolated Payload for handlers without re-deriving
// it from the rxcore completion.
type receiveMeta struct {
	buffer []byte
}

// operation tracks one in-flight Send/Receive until its terminal completion
// arrives. It is resolved by a direct unsafe.Pointer round-trip through
// rxcore.Completion.Context: unlike fi.CompletionContext, which crosses a
// real cgo boundary and therefore needs a registry to survive it safely,
// this pointer is supplied by the client itself and never leaves Go, so a
// plain conversion back is correct on its own.
type operation struct {
	client *Client
	kind   OperationKind
	meta   any

	done chan struct{}
	once sync.Once

	mu        sync.Mutex
	completed bool
	result    operationResult
	callbacks []func(operationResult)
}

func newOperation(c *Client, kind OperationKind, meta any) *operation {
	return &operation{client: c, kind: kind, meta: meta, done: make(chan struct{})}
}

func (op *operation) complete(res operationResult) {
	op.mu.Lock()
	if op.completed {
		op.mu.Unlock()
		return
	}
	op.completed = true
	op.result = res
	callbacks := op.callbacks
	op.mu.Unlock()

	op.once.Do(func() { close(op.done) })
	if op.client != nil {
		op.client.emit(op, res)
	}
	for _, cb := range callbacks {
		cb(res)
	}
}

func (op *operation) resultSnapshot() operationResult {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.result
}

func (op *operation) addCallback(fn func(operationResult)) {
	op.mu.Lock()
	if op.completed {
		res := op.result
		op.mu.Unlock()
		fn(res)
		return
	}
	op.callbacks = append(op.callbacks, fn)
	op.mu.Unlock()
}

// SendFuture tracks the completion of a posted send.
type SendFuture struct{ op *operation }

// Await blocks until the send completes or ctx is done.
func (f *SendFuture) Await(ctx context.Context) error {
	ctx = ensureContext(ctx)
	select {
	case <-f.op.done:
		return f.op.resultSnapshot().err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed once the send completes.
func (f *SendFuture) Done() <-chan struct{} { return f.op.done }

// OnComplete registers fn to run once, synchronously with dispatch, when
// the send completes (immediately if it already has).
func (f *SendFuture) OnComplete(fn func(error)) {
	if fn == nil {
		return
	}
	f.op.addCallback(func(res operationResult) { fn(res.err) })
}

// ReceiveFuture tracks the completion of a posted receive.
type ReceiveFuture struct {
	op  *operation
	buf []byte
}

// Await blocks until the receive completes or ctx is done, returning the
// number of bytes landed in the buffer passed to ReceiveAsync.
func (f *ReceiveFuture) Await(ctx context.Context) (int, error) {
	ctx = ensureContext(ctx)
	select {
	case <-f.op.done:
		res := f.op.resultSnapshot()
		return res.length, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Buffer returns the buffer originally passed to ReceiveAsync.
func (f *ReceiveFuture) Buffer() []byte { return f.buf }

// Source returns the resolved sender address, valid once the receive has
// completed (AddressUnspecified if it has not, or if the sender could not
// be resolved).
func (f *ReceiveFuture) Source() rxcore.Address {
	return f.op.resultSnapshot().source
}

// Done returns a channel closed once the receive completes.
func (f *ReceiveFuture) Done() <-chan struct{} { return f.op.done }

// OnComplete registers fn to run once, synchronously with dispatch, when
// the receive completes (immediately if it already has).
func (f *ReceiveFuture) OnComplete(fn func(int, error)) {
	if fn == nil {
		return
	}
	f.op.addCallback(func(res operationResult) { fn(res.length, res.err) })
}

// errNoDefaultPeer is returned by Send/Receive variants that rely on a peer
// resolved from Config.Node/Config.Service or a prior RegisterPeer(..., true).
var errNoDefaultPeer = errors.New("rxrep client: no default peer configured (set Config.Node/Config.Service, call RegisterPeer with setDefault, or use the *To/*From variants)")

// Client is the connectionless messaging façade.
type Client struct {
	ep *endpoint.Endpoint

	closed atomic.Bool

	defaultPeer    atomic.Uint64
	hasDefaultPeer atomic.Bool

	dispatcherErr atomic.Pointer[error]
	stopCh        chan struct{}
	wg            sync.WaitGroup

	handlersMu      sync.Mutex
	sendHandlers    map[int]SendHandler
	receiveHandlers map[int]ReceiveHandler
	handlerSeq      int

	logger           Logger
	structuredLogger StructuredLogger
	tracer           Tracer
	metrics          MetricHook

	stats clientStats
}

// Dial opens a connectionless endpoint (discover -> fabric -> domain -> cq
// -> endpoint -> bind -> enable -> av, all performed by endpoint.Open) and
// starts the background goroutine that drives its progress engine.
func Dial(cfg Config) (*Client, error) {
	ep, err := endpoint.Open(endpoint.Config{
		Provider:         cfg.Provider,
		Node:             cfg.Node,
		Service:          cfg.Service,
		EnableSHM:        cfg.EnableSHM,
		SHMAddr:          cfg.SHMAddr,
		Logger:           cfg.Logger,
		StructuredLogger: cfg.StructuredLogger,
		Tracer:           cfg.Tracer,
		Metrics:          cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	c := &Client{
		ep:               ep,
		sendHandlers:     make(map[int]SendHandler),
		receiveHandlers:  make(map[int]ReceiveHandler),
		logger:           cfg.Logger,
		structuredLogger: cfg.StructuredLogger,
		tracer:           cfg.Tracer,
		metrics:          cfg.Metrics,
		stopCh:           make(chan struct{}),
	}
	if addr, ok := ep.DefaultPeer(); ok {
		c.setDefaultPeer(addr)
	}

	c.logDispatcherEvent("start", nil)
	c.spanDispatcherEvent("start", nil)

	c.wg.Add(1)
	go c.dispatch()
	return c, nil
}

// Close stops the dispatcher and tears down the underlying endpoint.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stopCh)
	c.wg.Wait()
	c.logDispatcherEvent("stop", nil)
	c.spanDispatcherEvent("stop", nil)
	return c.ep.Close()
}

func (c *Client) ensureOpen() error {
	if c.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (c *Client) setDefaultPeer(addr rxcore.Address) {
	c.defaultPeer.Store(uint64(addr))
	c.hasDefaultPeer.Store(true)
}

// SetDefaultPeer overrides the peer Send/Receive use when no explicit
// destination/source is given.
func (c *Client) SetDefaultPeer(addr rxcore.Address) { c.setDefaultPeer(addr) }

// DefaultPeer returns the peer currently used by Send/Receive, if any.
func (c *Client) DefaultPeer() (rxcore.Address, bool) {
	if c.hasDefaultPeer.Load() {
		return rxcore.Address(c.defaultPeer.Load()), true
	}
	return rxcore.AddressUnspecified, false
}

func (c *Client) defaultDestination() (rxcore.Address, error) {
	addr, ok := c.DefaultPeer()
	if !ok {
		return rxcore.AddressUnspecified, errNoDefaultPeer
	}
	return addr, nil
}

// LocalAddress returns this endpoint's raw wire address, for exchange with
// a peer out of band (e.g. over a rendezvous channel) before RegisterPeer.
func (c *Client) LocalAddress() ([]byte, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	raw := c.ep.SelfAddress()
	dup := make([]byte, len(raw))
	copy(dup, raw)
	return dup, nil
}

// RegisterPeer inserts a peer's raw wire address into the address vector,
// returning the rxcore.Address to use as a destination/source. If
// setDefault is true, it also becomes this Client's default peer.
func (c *Client) RegisterPeer(raw []byte, setDefault bool) (rxcore.Address, error) {
	if err := c.ensureOpen(); err != nil {
		return rxcore.AddressUnspecified, err
	}
	if len(raw) == 0 {
		return rxcore.AddressUnspecified, errors.New("rxrep client: peer address must be non-empty")
	}
	addr, err := c.ep.InsertPeerRaw(raw)
	if err != nil {
		return rxcore.AddressUnspecified, err
	}
	if setDefault {
		c.setDefaultPeer(addr)
	}
	return addr, nil
}

// Stats returns a snapshot of this client's monotonic send/receive counters.
func (c *Client) Stats() Stats { return c.stats.snapshot() }

// SendAsync posts an untagged send to the default peer.
func (c *Client) SendAsync(payload []byte) (*SendFuture, error) {
	dest, err := c.defaultDestination()
	if err != nil {
		return nil, err
	}
	return c.sendAsync(dest, payload)
}

// SendToAsync posts an untagged send to an explicit destination.
func (c *Client) SendToAsync(dest rxcore.Address, payload []byte) (*SendFuture, error) {
	return c.sendAsync(dest, payload)
}

func (c *Client) sendAsync(dest rxcore.Address, payload []byte) (*SendFuture, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	if err := c.dispatcherError(); err != nil {
		return nil, fmt.Errorf("rxrep client dispatcher failed: %w", err)
	}

	op := newOperation(c, OperationSend, nil)
	req := rxcore.SubmitRequest{
		IOV:     []rxcore.IOVec{{Buf: payload}},
		Dest:    dest,
		Context: unsafe.Pointer(op),
	}
	if _, err := c.ep.SubmitSend(req); err != nil {
		return nil, fmt.Errorf("submit send: %w", err)
	}
	c.stats.sendPosted.Add(1)
	c.logf("rxrep client: send posted size=%d dest=%v", len(payload), dest)
	return &SendFuture{op: op}, nil
}

// Send posts an untagged send to the default peer and blocks for completion.
func (c *Client) Send(ctx context.Context, payload []byte) error {
	future, err := c.SendAsync(payload)
	if err != nil {
		return err
	}
	return future.Await(ctx)
}

// SendTo posts an untagged send to an explicit destination and blocks for completion.
func (c *Client) SendTo(ctx context.Context, dest rxcore.Address, payload []byte) error {
	future, err := c.SendToAsync(dest, payload)
	if err != nil {
		return err
	}
	return future.Await(ctx)
}

// ReceiveAsync posts a wildcard (any-source) receive buffer.
func (c *Client) ReceiveAsync(buf []byte) (*ReceiveFuture, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	if err := c.dispatcherError(); err != nil {
		return nil, fmt.Errorf("rxrep client dispatcher failed: %w", err)
	}

	op := newOperation(c, OperationReceive, &receiveMeta{buffer: buf})
	req := rxcore.SubmitRequest{
		IOV:     []rxcore.IOVec{{Buf: buf}},
		Dest:    rxcore.AddressUnspecified,
		Context: unsafe.Pointer(op),
	}
	if _, err := c.ep.SubmitRecv(req); err != nil {
		return nil, fmt.Errorf("submit recv: %w", err)
	}
	c.stats.receivePosted.Add(1)
	c.logf("rxrep client: receive posted size=%d", len(buf))
	return &ReceiveFuture{op: op, buf: buf}, nil
}

// Receive posts a wildcard receive buffer and blocks for completion.
func (c *Client) Receive(ctx context.Context, buf []byte) (int, error) {
	future, err := c.ReceiveAsync(buf)
	if err != nil {
		return 0, err
	}
	return future.Await(ctx)
}

// ReceiveFrom posts a wildcard receive buffer, blocks for completion, and
// reports the resolved sender.
func (c *Client) ReceiveFrom(ctx context.Context, buf []byte) (int, rxcore.Address, error) {
	future, err := c.ReceiveAsync(buf)
	if err != nil {
		return 0, rxcore.AddressUnspecified, err
	}
	n, err := future.Await(ctx)
	return n, future.Source(), err
}

// RegisterSendHandler registers h to observe every send completion on this
// client. The returned func unregisters it.
func (c *Client) RegisterSendHandler(h SendHandler) func() {
	if h == nil {
		return func() {}
	}
	c.handlersMu.Lock()
	id := c.handlerSeq
	c.handlerSeq++
	c.sendHandlers[id] = h
	c.handlersMu.Unlock()
	return func() {
		c.handlersMu.Lock()
		delete(c.sendHandlers, id)
		c.handlersMu.Unlock()
	}
}

// RegisterReceiveHandler registers h to observe every receive completion on
// this client. The returned func unregisters it.
func (c *Client) RegisterReceiveHandler(h ReceiveHandler) func() {
	if h == nil {
		return func() {}
	}
	c.handlersMu.Lock()
	id := c.handlerSeq
	c.handlerSeq++
	c.receiveHandlers[id] = h
	c.handlersMu.Unlock()
	return func() {
		c.handlersMu.Lock()
		delete(c.receiveHandlers, id)
		c.handlersMu.Unlock()
	}
}

// dispatch drives the endpoint's progress engine and resolves completions
// into pending operations until Close stops it. A failing Progress call
// backs off exponentially, the same shape a failing CQ read used.
func (c *Client) dispatch() {
	defer c.wg.Done()

	backoff := time.Millisecond
	const maxBackoff = 10 * time.Millisecond
	const idleDelay = time.Millisecond

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		if err := c.ep.Progress(); err != nil {
			c.recordDispatcherError(err)
			select {
			case <-c.stopCh:
				return
			case <-time.After(backoff):
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = time.Millisecond

		completions := c.ep.DrainCompletions()
		for _, comp := range completions {
			c.handleCompletion(comp)
		}
		if len(completions) == 0 {
			select {
			case <-c.stopCh:
				return
			case <-time.After(idleDelay):
			}
		}
	}
}

func (c *Client) recordDispatcherError(err error) {
	c.dispatcherErr.Store(&err)
	c.logDispatcherEvent("progress_error", err)
	c.spanDispatcherEvent("progress_error", err)
}

func (c *Client) dispatcherError() error {
	p := c.dispatcherErr.Load()
	if p == nil {
		return nil
	}
	return *p
}

// handleCompletion recovers the operation a completion belongs to via the
// direct unsafe.Pointer round-trip described on the operation type, and
// resolves it.
func (c *Client) handleCompletion(comp rxcore.Completion) {
	if comp.Context == nil {
		return
	}
	op := (*operation)(comp.Context)
	res := operationResult{
		length:      comp.Len,
		err:         comp.Err,
		source:      comp.Addr,
		providerErr: comp.ProviderErr,
	}
	op.complete(res)
}

func (c *Client) emit(op *operation, res operationResult) {
	switch op.kind {
	case OperationSend:
		c.emitSend(res)
	case OperationReceive:
		c.emitReceive(op, res)
	}
}

func (c *Client) emitSend(res operationResult) {
	if res.err != nil {
		c.stats.sendErrored.Add(1)
		c.logOperationCompletion(OperationSend, res.err)
		if c.metrics != nil {
			c.metrics.SubmitFailed("send", res.err, map[string]string{"op": "send"})
		}
	} else {
		c.stats.sendCompleted.Add(1)
		c.logOperationCompletion(OperationSend, nil)
		if c.metrics != nil {
			c.metrics.SubmitCompleted("send", map[string]string{"op": "send"})
		}
	}
	c.dispatchSendHandlers(SendCompletion{
		Size: res.length,
		Err:  operationError(OperationSend, res.err, res.providerErr),
	})
}

func (c *Client) emitReceive(op *operation, res operationResult) {
	var payload []byte
	if meta, ok := op.meta.(*receiveMeta); ok && res.err == nil {
		n := res.length
		if n > len(meta.buffer) {
			n = len(meta.buffer)
		}
		payload = append([]byte(nil), meta.buffer[:n]...)
	}

	if res.err != nil {
		c.stats.receiveErrored.Add(1)
		c.logOperationCompletion(OperationReceive, res.err)
		if c.metrics != nil {
			c.metrics.SubmitFailed("recv", res.err, map[string]string{"op": "recv"})
		}
	} else {
		c.stats.receiveMatched.Add(1)
		c.logOperationCompletion(OperationReceive, nil)
		if c.metrics != nil {
			c.metrics.SubmitCompleted("recv", map[string]string{"op": "recv"})
		}
	}
	c.dispatchReceiveHandlers(ReceiveCompletion{
		Payload: payload,
		Source:  res.source,
		Err:     operationError(OperationReceive, res.err, res.providerErr),
	})
}

func (c *Client) dispatchSendHandlers(comp SendCompletion) {
	c.handlersMu.Lock()
	handlers := make([]SendHandler, 0, len(c.sendHandlers))
	for _, h := range c.sendHandlers {
		handlers = append(handlers, h)
	}
	c.handlersMu.Unlock()
	for _, h := range handlers {
		h(comp)
	}
}

func (c *Client) dispatchReceiveHandlers(comp ReceiveCompletion) {
	c.handlersMu.Lock()
	handlers := make([]ReceiveHandler, 0, len(c.receiveHandlers))
	for _, h := range c.receiveHandlers {
		handlers = append(handlers, h)
	}
	c.handlersMu.Unlock()
	for _, h := range handlers {
		h(comp)
	}
}

// spanDispatcherEvent records a dispatcher lifecycle event on its own span,
// scoped to this client's dispatch goroutine.
func (c *Client) spanDispatcherEvent(event string, err error) {
	if c.tracer == nil {
		return
	}
	span := c.tracer.StartSpan("rxrep-client-dispatcher")
	if span == nil {
		return
	}
	var attrs []TraceAttribute
	if err != nil {
		attrs = append(attrs, TraceAttribute{Key: "error", Value: err.Error()})
	}
	span.AddEvent(event, attrs...)
	span.End(nil)
}

func (c *Client) logDispatcherEvent(event string, err error) {
	if c.structuredLogger != nil {
		kv := []any{"event", event}
		if err != nil {
			kv = append(kv, "error", err.Error())
		}
		c.structuredLogger.Debugw("rxrep client dispatcher", kv...)
		return
	}
	if c.logger != nil {
		if err != nil {
			c.logger.Debugf("rxrep client dispatcher event=%s error=%v", event, err)
			return
		}
		c.logger.Debugf("rxrep client dispatcher event=%s", event)
	}
}

func (c *Client) logOperationCompletion(kind OperationKind, err error) {
	if c.structuredLogger != nil {
		kv := []any{"event", "completion", "kind", kind.String()}
		if err != nil {
			kv = append(kv, "error", err.Error())
		}
		c.structuredLogger.Debugw("rxrep client operation completion", kv...)
		return
	}
	if c.logger != nil {
		if err != nil {
			c.logger.Debugf("rxrep client %s completion error=%v", kind, err)
			return
		}
		c.logger.Debugf("rxrep client %s completion", kind)
	}
}

func (c *Client) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Debugf(format, args...)
	}
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}
