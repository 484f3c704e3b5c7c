// Package readengine implements rxcore.ReadEngine, the long-message
// read-based transfer protocol (spec.md §4.4 "long send via read"), as a
// thin wrapper over Transport.PostRead.
package readengine

import (
	"sync"

	"github.com/rocketbitz/rxrep/rxcore"
)

// Engine drives RMA reads over a single NIC-capable transport. Its
// completion signal is not its own Poll method but the owning Endpoint's
// normal completion-queue drain: Poll only retries a post that could not
// be accepted the first time (spec.md §5, transient back-pressure).
type Engine struct {
	transport rxcore.Transport

	mu      sync.Mutex
	pending map[*rxcore.TxEntry]rxcore.ReadRequest
}

// New constructs an Engine atop transport, which must report
// SupportsRead() true.
func New(transport rxcore.Transport) *Engine {
	return &Engine{transport: transport, pending: make(map[*rxcore.TxEntry]rxcore.ReadRequest)}
}

func buildRequest(entry *rxcore.TxEntry) rxcore.ReadRequest {
	iov := make([]rxcore.IOVec, entry.IOVCount)
	copy(iov, entry.IOV[:entry.IOVCount])
	return rxcore.ReadRequest{
		IOV:     iov,
		Dest:    entry.Dest,
		Key:     entry.RemoteKey,
		Offset:  entry.RemoteOffset,
		Context: rxcore.ReadContext(entry),
	}
}

// SubmitRead posts the RMA read backing entry. If the transport reports
// transient back-pressure the request is retried from Poll instead of
// failing the submission outright.
func (e *Engine) SubmitRead(entry *rxcore.TxEntry) error {
	if !e.transport.SupportsRead() {
		return rxcore.ErrCapabilityUnsupported
	}
	req := buildRequest(entry)
	err := e.transport.PostRead(req)
	if err == nil {
		return nil
	}
	if err == rxcore.ErrAgain {
		e.mu.Lock()
		e.pending[entry] = req
		e.mu.Unlock()
		return nil
	}
	return err
}

// Poll retries any read that could not be posted yet. It never itself
// reports the transfer complete: completion arrives through the owning
// endpoint's normal NIC completion-queue drain (rxcore's
// handleReadCompletion), which also removes the entry from the retry list.
func (e *Engine) Poll(entry *rxcore.TxEntry) (bool, error) {
	e.mu.Lock()
	req, ok := e.pending[entry]
	e.mu.Unlock()
	if !ok {
		return false, nil
	}
	err := e.transport.PostRead(req)
	if err == nil {
		e.mu.Lock()
		delete(e.pending, entry)
		e.mu.Unlock()
		return false, nil
	}
	if err == rxcore.ErrAgain {
		return false, nil
	}
	e.mu.Lock()
	delete(e.pending, entry)
	e.mu.Unlock()
	return false, err
}
