// Package endpoint is the application-facing façade over rxcore: it opens
// the real libfabric resources (fabric, domain, completion queue, RDM
// endpoint, address vector), wires them into rxcore's external
// collaborator interfaces via internal/nictransport, internal/shmtransport,
// internal/addrresolve, internal/memreg, internal/readengine, and
// internal/pkt, and hands the assembled rxcore.Config to rxcore.NewEndpoint.
// Construction follows the same discover->fabric->domain->cq->endpoint->av
// sequence the connection-oriented client uses, adapted for a connectionless,
// dual-transport (NIC+SHM) endpoint (fi/messaging.go, fi/tagged.go,
// fi/rma.go's request/response shape).
package endpoint

import (
	"fmt"
	"time"
	"unsafe"

	"github.com/rocketbitz/rxrep/fi"
	"github.com/rocketbitz/rxrep/internal/addrresolve"
	"github.com/rocketbitz/rxrep/internal/memreg"
	"github.com/rocketbitz/rxrep/internal/nictransport"
	"github.com/rocketbitz/rxrep/internal/pkt"
	"github.com/rocketbitz/rxrep/internal/readengine"
	"github.com/rocketbitz/rxrep/internal/shmtransport"
	"github.com/rocketbitz/rxrep/rxcore"
)

// Logger provides structured debug logging hooks for the endpoint.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to a span.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans wrapping submit/progress activity.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records one traced operation's lifecycle.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook captures endpoint telemetry events.
type MetricHook interface {
	SubmitPosted(op string, attrs map[string]string)
	SubmitCompleted(op string, attrs map[string]string)
	SubmitFailed(op string, err error, attrs map[string]string)
	ProgressRan(attrs map[string]string)
	WatchdogReset(attrs map[string]string)
}

// Config bundles everything needed to open an Endpoint: real libfabric
// discovery parameters plus the rxcore tunables from rxcore.Config.
type Config struct {
	Provider string
	Node     string
	Service  string

	MaxDataPayloadSize            int
	TxMinCredits                  int
	MinMultiRecv                  int
	PacketPoolChunk               int
	EntryPoolChunk                int
	RNRBackoffInitial             time.Duration
	RNRBackoffMax                 time.Duration
	AvailableBufsWatchdogInterval time.Duration
	InitialPeerCredits            int

	// EnableSHM, when true, opens the node-local transport against Registry
	// keyed by SHMAddr (spec.md §4.9 "two transports, one endpoint").
	EnableSHM   bool
	SHMRegistry *shmtransport.Registry
	SHMAddr     uint64

	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

func (c *Config) setDefaults() {
	if c.Provider == "" {
		c.Provider = "sockets"
	}
	if c.MaxDataPayloadSize <= 0 {
		c.MaxDataPayloadSize = 8 << 10
	}
}

// Endpoint wraps a *rxcore.Endpoint together with the real libfabric
// resources backing it. Close tears down every one of those handles that
// is set.
type Endpoint struct {
	cfg Config
	cq  *rxcore.Endpoint

	fabric   *fi.Fabric
	domain   *fi.Domain
	compQ    *fi.CompletionQueue
	fiEP     *fi.Endpoint
	av       *fi.AddressVector
	selfAddr fi.Address
	selfRaw  []byte

	resolver  *addrresolve.Resolver
	registrar *memreg.Registrar
	shm       *shmtransport.Transport

	defaultPeer    rxcore.Address
	hasDefaultPeer bool

	lastWatchdogResets int

	logger           Logger
	structuredLogger StructuredLogger
	tracer           Tracer
	metrics          MetricHook
}

// Open discovers a compatible RDM-capable provider and assembles a rxcore
// Endpoint on top of it. rxrep is always connectionless; client.Dial
// delegates to Open.
func Open(cfg Config) (*Endpoint, error) {
	cfg.setDefaults()

	opts := []fi.DiscoverOption{fi.WithProvider(cfg.Provider), fi.WithEndpointType(fi.EndpointTypeRDM)}
	discovery, err := fi.DiscoverDescriptors(opts...)
	if err != nil {
		return nil, fmt.Errorf("discover descriptors: %w", err)
	}
	defer discovery.Close()

	descriptors := discovery.Descriptors()
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("no descriptors found for provider %s", cfg.Provider)
	}

	var selected *fi.Descriptor
	for i := range descriptors {
		if descriptors[i].Info().SupportsRDM() {
			selected = &descriptors[i]
			break
		}
	}
	if selected == nil {
		selected = &descriptors[0]
	}
	info := selected.Info()

	fabric, err := selected.OpenFabric()
	if err != nil {
		return nil, fmt.Errorf("open fabric: %w", err)
	}
	domain, err := selected.OpenDomain(fabric)
	if err != nil {
		fabric.Close()
		return nil, fmt.Errorf("open domain: %w", err)
	}
	compQ, err := domain.OpenCompletionQueue(&fi.CompletionQueueAttr{Format: fi.CQFormatMsg})
	if err != nil {
		domain.Close()
		fabric.Close()
		return nil, fmt.Errorf("open completion queue: %w", err)
	}
	fiEP, err := selected.OpenEndpoint(domain)
	if err != nil {
		compQ.Close()
		domain.Close()
		fabric.Close()
		return nil, fmt.Errorf("open endpoint: %w", err)
	}
	if err := fiEP.BindCompletionQueue(compQ, fi.BindSend|fi.BindRecv); err != nil {
		fiEP.Close()
		compQ.Close()
		domain.Close()
		fabric.Close()
		return nil, fmt.Errorf("bind completion queue: %w", err)
	}
	if err := fiEP.Enable(); err != nil {
		fiEP.Close()
		compQ.Close()
		domain.Close()
		fabric.Close()
		return nil, fmt.Errorf("enable endpoint: %w", err)
	}

	av, err := domain.OpenAddressVector(&fi.AddressVectorAttr{Type: fi.AVTypeMap})
	if err != nil {
		fiEP.Close()
		compQ.Close()
		domain.Close()
		fabric.Close()
		return nil, fmt.Errorf("open address vector: %w", err)
	}
	if err := fiEP.BindAddressVector(av, 0); err != nil {
		av.Close()
		fiEP.Close()
		compQ.Close()
		domain.Close()
		fabric.Close()
		return nil, fmt.Errorf("bind address vector: %w", err)
	}
	selfAddr, err := fiEP.RegisterAddress(av, 0)
	if err != nil {
		av.Close()
		fiEP.Close()
		compQ.Close()
		domain.Close()
		fabric.Close()
		return nil, fmt.Errorf("register endpoint address: %w", err)
	}
	selfRaw, err := fiEP.Name()
	if err != nil {
		av.Close()
		fiEP.Close()
		compQ.Close()
		domain.Close()
		fabric.Close()
		return nil, fmt.Errorf("query endpoint address: %w", err)
	}

	resolver := addrresolve.New(av)
	registrar := memreg.New(domain)
	nic := nictransport.New(fiEP, compQ, compQ, cfg.MaxDataPayloadSize, info.SupportsRMA() && info.SupportsRemoteRead())

	var shm *shmtransport.Transport
	if cfg.EnableSHM {
		reg := cfg.SHMRegistry
		if reg == nil {
			reg = shmtransport.NewRegistry()
		}
		shm = shmtransport.New(reg, cfg.SHMAddr, cfg.MaxDataPayloadSize)
		resolver.RegisterSHMPeer(cfg.SHMAddr, rxcore.Address(selfAddr))
	}

	rc := rxcore.Config{
		MaxDataPayloadSize:            cfg.MaxDataPayloadSize,
		TxMinCredits:                  cfg.TxMinCredits,
		MinMultiRecv:                  cfg.MinMultiRecv,
		PacketPoolChunk:               cfg.PacketPoolChunk,
		EntryPoolChunk:                cfg.EntryPoolChunk,
		RNRBackoffInitial:             cfg.RNRBackoffInitial,
		RNRBackoffMax:                 cfg.RNRBackoffMax,
		AvailableBufsWatchdogInterval: cfg.AvailableBufsWatchdogInterval,
		InitialPeerCredits:            cfg.InitialPeerCredits,
		Codec:                         pkt.New(),
		Resolver:                      resolver,
		Registrar:                     registrar,
		NIC:                           nic,
		SHM:                           shm,
	}

	structured := cfg.StructuredLogger
	if structured == nil {
		if l, ok := cfg.Logger.(StructuredLogger); ok {
			structured = l
		}
	}
	rc.Warn = func(format string, args ...any) {
		if structured != nil {
			structured.Debugw(fmt.Sprintf(format, args...))
			return
		}
		if cfg.Logger != nil {
			cfg.Logger.Debugf(format, args...)
		}
	}
	rc.ReadEngine = readengine.New(nic)

	core := rxcore.NewEndpoint(rc)

	ep := &Endpoint{
		cfg: cfg,
		cq:  core,

		fabric: fabric, domain: domain, compQ: compQ, fiEP: fiEP, av: av,
		selfAddr: selfAddr, selfRaw: selfRaw,

		resolver: resolver, registrar: registrar, shm: shm,

		logger: cfg.Logger, structuredLogger: structured, tracer: cfg.Tracer, metrics: cfg.Metrics,
	}

	if cfg.Node != "" || cfg.Service != "" {
		peer, err := resolver.InsertService(cfg.Node, cfg.Service, 0)
		if err != nil {
			ep.Close()
			return nil, fmt.Errorf("insert peer address: %w", err)
		}
		ep.defaultPeer = peer
		ep.hasDefaultPeer = true
	}

	if err := core.Bind(); err != nil {
		ep.Close()
		return nil, fmt.Errorf("bind endpoint: %w", err)
	}
	if err := core.Enable(); err != nil {
		ep.Close()
		return nil, fmt.Errorf("enable endpoint: %w", err)
	}

	return ep, nil
}

// SelfAddress returns the raw wire address an application must publish to
// peers so they can add it to their address vector via InsertPeerRaw.
func (e *Endpoint) SelfAddress() []byte { return e.selfRaw }

// InsertPeer resolves node/service into the address vector and returns the
// rxcore.Address callers pass as SubmitRequest.Dest.
func (e *Endpoint) InsertPeer(node, service string) (rxcore.Address, error) {
	return e.resolver.InsertService(node, service, 0)
}

// InsertPeerRaw inserts a peer's raw wire address, as published via its own
// SelfAddress, into the address vector and returns the resulting
// rxcore.Address.
func (e *Endpoint) InsertPeerRaw(raw []byte) (rxcore.Address, error) {
	return e.resolver.InsertRaw(raw, 0)
}

// MarkPeerLocal flags addr as node-local, so the progress engine routes
// sends to it over the SHM transport (when EnableSHM was set at Open) rather
// than the NIC. Callers that colocate with a peer in the same node's SHM
// registry should call this after resolving the peer's address.
func (e *Endpoint) MarkPeerLocal(addr rxcore.Address) {
	e.cq.MarkPeerLocal(addr, true)
}

// DefaultPeer returns the address resolved from Config.Node/Config.Service
// at Open time, if one was configured. Callers that always talk to a single
// peer can use it instead of calling InsertPeer again for every submit.
func (e *Endpoint) DefaultPeer() (rxcore.Address, bool) {
	return e.defaultPeer, e.hasDefaultPeer
}

// RegisteredMemory is a buffer registered with the endpoint's domain for use
// in one-sided RMA operations. It implements rxcore.MemoryRegion so it can
// be attached to a SubmitRequest's IOVec, and additionally exposes the
// provider memory key a peer needs to address it and the raw bytes
// underneath, for inspecting the effect of a remote write or priming the
// contents a remote read will fetch.
type RegisteredMemory struct {
	mr *fi.MemoryRegion
}

func (r *RegisteredMemory) Descriptor() any { return r.mr.Descriptor() }
func (r *RegisteredMemory) Release() error  { return r.mr.Close() }

// Key returns the provider memory key a peer must supply in a Write/Read
// SubmitRequest to address this region.
func (r *RegisteredMemory) Key() uint64 { return r.mr.Key() }

// Bytes exposes the registered buffer directly.
func (r *RegisteredMemory) Bytes() []byte { return r.mr.Bytes() }

// RegisterMemory registers buf with the endpoint's domain so it can serve as
// the local or remote side of a one-sided RMA operation submitted through
// SubmitWrite/SubmitRead.
func (e *Endpoint) RegisterMemory(buf []byte, access rxcore.MemAccess) (*RegisteredMemory, error) {
	var flags fi.MRAccessFlag
	if access&rxcore.MemAccessLocal != 0 {
		flags |= fi.MRAccessLocal
	}
	if access&rxcore.MemAccessRemoteRead != 0 {
		flags |= fi.MRAccessRemoteRead
	}
	if access&rxcore.MemAccessRemoteWrite != 0 {
		flags |= fi.MRAccessRemoteWrite
	}
	mr, err := e.domain.RegisterMemory(buf, flags)
	if err != nil {
		return nil, err
	}
	return &RegisteredMemory{mr: mr}, nil
}

func (e *Endpoint) metricAttrs(op string) map[string]string {
	return map[string]string{"op": op, "provider": e.cfg.Provider}
}

func (e *Endpoint) span(name string) Span {
	if e.tracer == nil {
		return nil
	}
	return e.tracer.StartSpan(name)
}

func endSpan(s Span, err error) {
	if s != nil {
		s.End(err)
	}
}

// SubmitSend posts an untagged send (spec.md §6 "Submit: Send/TaggedSend").
func (e *Endpoint) SubmitSend(req rxcore.SubmitRequest) (*rxcore.TxEntry, error) {
	return e.submitTx("send", func() (*rxcore.TxEntry, error) { return e.cq.SubmitSend(req) })
}

// SubmitTaggedSend posts a tagged send.
func (e *Endpoint) SubmitTaggedSend(req rxcore.SubmitRequest) (*rxcore.TxEntry, error) {
	return e.submitTx("tagged_send", func() (*rxcore.TxEntry, error) { return e.cq.SubmitTaggedSend(req) })
}

// SubmitWrite posts a one-sided RMA write.
func (e *Endpoint) SubmitWrite(req rxcore.SubmitRequest) (*rxcore.TxEntry, error) {
	return e.submitTx("write", func() (*rxcore.TxEntry, error) { return e.cq.SubmitWrite(req) })
}

// SubmitRead posts a one-sided RMA read.
func (e *Endpoint) SubmitRead(req rxcore.SubmitRequest) (*rxcore.TxEntry, error) {
	return e.submitTx("read", func() (*rxcore.TxEntry, error) { return e.cq.SubmitRead(req) })
}

// SubmitAtomicWrite posts a one-sided atomic write.
func (e *Endpoint) SubmitAtomicWrite(req rxcore.SubmitRequest) (*rxcore.TxEntry, error) {
	return e.submitTx("atomic_write", func() (*rxcore.TxEntry, error) { return e.cq.SubmitAtomicWrite(req) })
}

// SubmitAtomicFetch posts a one-sided fetching atomic.
func (e *Endpoint) SubmitAtomicFetch(req rxcore.SubmitRequest) (*rxcore.TxEntry, error) {
	return e.submitTx("atomic_fetch", func() (*rxcore.TxEntry, error) { return e.cq.SubmitAtomicFetch(req) })
}

// SubmitAtomicCompare posts a one-sided compare-and-swap atomic.
func (e *Endpoint) SubmitAtomicCompare(req rxcore.SubmitRequest) (*rxcore.TxEntry, error) {
	return e.submitTx("atomic_compare", func() (*rxcore.TxEntry, error) { return e.cq.SubmitAtomicCompare(req) })
}

// SubmitRecv posts an untagged receive buffer.
func (e *Endpoint) SubmitRecv(req rxcore.SubmitRequest) (*rxcore.RxEntry, error) {
	return e.submitRx("recv", func() (*rxcore.RxEntry, error) { return e.cq.SubmitRecv(req) })
}

// SubmitTaggedRecv posts a tagged receive buffer.
func (e *Endpoint) SubmitTaggedRecv(req rxcore.SubmitRequest, ignore uint64) (*rxcore.RxEntry, error) {
	return e.submitRx("tagged_recv", func() (*rxcore.RxEntry, error) { return e.cq.SubmitTaggedRecv(req, ignore) })
}

// SubmitMultiRecv posts a carve-as-you-go multi-receive buffer.
func (e *Endpoint) SubmitMultiRecv(req rxcore.SubmitRequest) (*rxcore.RxEntry, error) {
	return e.submitRx("multi_recv", func() (*rxcore.RxEntry, error) { return e.cq.SubmitMultiRecv(req) })
}

func (e *Endpoint) submitTx(op string, fn func() (*rxcore.TxEntry, error)) (*rxcore.TxEntry, error) {
	span := e.span("rxrep.submit." + op)
	entry, err := fn()
	if err != nil {
		if e.metrics != nil {
			e.metrics.SubmitFailed(op, err, e.metricAttrs(op))
		}
		endSpan(span, err)
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.SubmitPosted(op, e.metricAttrs(op))
	}
	endSpan(span, nil)
	return entry, nil
}

func (e *Endpoint) submitRx(op string, fn func() (*rxcore.RxEntry, error)) (*rxcore.RxEntry, error) {
	span := e.span("rxrep.submit." + op)
	entry, err := fn()
	if err != nil {
		if e.metrics != nil {
			e.metrics.SubmitFailed(op, err, e.metricAttrs(op))
		}
		endSpan(span, err)
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.SubmitPosted(op, e.metricAttrs(op))
	}
	endSpan(span, nil)
	return entry, nil
}

// Progress drives one tick of the endpoint's progress engine (spec.md §4.6).
// Applications are expected to call it in a loop and drain completions
// after each call.
func (e *Endpoint) Progress() error {
	err := e.cq.Progress()
	if e.metrics != nil {
		e.metrics.ProgressRan(e.metricAttrs("progress"))
		if resets := e.cq.WatchdogResets(); resets != e.lastWatchdogResets {
			e.lastWatchdogResets = resets
			e.metrics.WatchdogReset(e.metricAttrs("progress"))
		}
	}
	return err
}

// DrainCompletions returns every completion written since the last call.
func (e *Endpoint) DrainCompletions() []rxcore.Completion { return e.cq.DrainCompletions() }

// CancelRecv cancels a previously posted receive by its application context.
func (e *Endpoint) CancelRecv(ctx unsafe.Pointer) bool { return e.cq.CancelRecv(ctx) }

// GetMinMultiRecv returns the current multi-receive carving threshold.
func (e *Endpoint) GetMinMultiRecv() int { return e.cq.GetMinMultiRecv() }

// SetMinMultiRecv sets the multi-receive carving threshold.
func (e *Endpoint) SetMinMultiRecv(n int) { e.cq.SetMinMultiRecv(n) }

// Close tears down the rxcore endpoint and every libfabric resource Open
// acquired, in reverse order.
func (e *Endpoint) Close() error {
	if e.cq != nil {
		_ = e.cq.Close()
	}
	if e.av != nil {
		_ = e.av.Close()
	}
	if e.fiEP != nil {
		_ = e.fiEP.Close()
	}
	if e.compQ != nil {
		_ = e.compQ.Close()
	}
	if e.domain != nil {
		_ = e.domain.Close()
	}
	if e.fabric != nil {
		_ = e.fabric.Close()
	}
	return nil
}
