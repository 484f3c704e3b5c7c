package rxcore

import "errors"

var (
	// ErrPoolExhausted indicates a pool had no free slot at acquire time.
	// Transient: the caller should retry after the next progress tick.
	ErrPoolExhausted = errors.New("rxrep: pool exhausted")
	// ErrAgain indicates transient transport back-pressure. Never surfaced
	// to the application; the caller re-queues the work.
	ErrAgain = errors.New("rxrep: transport busy (EAGAIN)")
	// ErrReceiverNotReady indicates the peer returned RNR for a posted packet.
	ErrReceiverNotReady = errors.New("rxrep: receiver not ready")
	// ErrCanceled is delivered to the user completion of a canceled entry.
	ErrCanceled = errors.New("rxrep: operation canceled")
	// ErrPeerInBackoff indicates the destination peer is within its RNR
	// backoff window and cannot be posted to.
	ErrPeerInBackoff = errors.New("rxrep: peer in RNR backoff")
	// ErrAddressUnresolved indicates the destination address could not be
	// resolved to a peer via the address resolver collaborator.
	ErrAddressUnresolved = errors.New("rxrep: address not in address vector")
	// ErrNotEnabled indicates an operation was submitted before Enable.
	ErrNotEnabled = errors.New("rxrep: endpoint not enabled")
	// ErrClosed indicates an operation was submitted after Close.
	ErrClosed = errors.New("rxrep: endpoint closed")
	// ErrRegistrationFailed indicates the memory registration collaborator
	// failed. Fatal for protocols that require registration; logged and
	// bypassed (best-effort unregistered fallback) for those that don't.
	ErrRegistrationFailed = errors.New("rxrep: memory registration failed")
	// ErrCapabilityUnsupported indicates the requested operation needs a
	// feature the bound transport does not declare support for.
	ErrCapabilityUnsupported = errors.New("rxrep: capability not supported")
	// ErrNoMatch indicates Cancel found no matching entry for the context.
	ErrNoMatch = errors.New("rxrep: no matching entry for context")
)

// InvalidStateError reports an invariant violation: an entry or peer was
// found in a state its caller did not expect. Per spec.md §7, encountering
// one leaves the endpoint in an undefined state; callers that see this
// should tear the endpoint down rather than continue driving it.
type InvalidStateError struct {
	Component string
	State     string
	Detail    string
}

func (e InvalidStateError) Error() string {
	if e.Detail == "" {
		return "rxrep: invalid state: " + e.Component + " in " + e.State
	}
	return "rxrep: invalid state: " + e.Component + " in " + e.State + ": " + e.Detail
}
