package readengine_test

import (
	"errors"
	"testing"

	"github.com/rocketbitz/rxrep/internal/readengine"
	"github.com/rocketbitz/rxrep/rxcore"
)

type fakeReadTransport struct {
	supportsRead bool
	postErrs     []error // consumed in order, one per PostRead call; last repeats
	calls        int
}

func (t *fakeReadTransport) Kind() rxcore.TransportKind { return rxcore.TransportNIC }
func (t *fakeReadTransport) SupportsRead() bool         { return t.supportsRead }
func (t *fakeReadTransport) MTU() int                   { return 4096 }
func (t *fakeReadTransport) Flush() error               { return nil }
func (t *fakeReadTransport) PostSend(rxcore.PostRequest) error { return nil }
func (t *fakeReadTransport) PostRecv(rxcore.PostRequest) error { return nil }
func (t *fakeReadTransport) DrainCompletions(int) ([]rxcore.CompletionEvent, error) {
	return nil, nil
}
func (t *fakeReadTransport) DrainErrors(int) ([]rxcore.CompletionError, error) { return nil, nil }

func (t *fakeReadTransport) PostRead(req rxcore.ReadRequest) error {
	i := t.calls
	if i >= len(t.postErrs) {
		i = len(t.postErrs) - 1
	}
	t.calls++
	return t.postErrs[i]
}

func newTxEntry(t *testing.T) *rxcore.TxEntry {
	t.Helper()
	pool := rxcore.NewTxEntryPool(1)
	pool.Grow()
	entry, ok := pool.Acquire()
	if !ok {
		t.Fatalf("acquire: pool exhausted")
	}
	return entry
}

func TestSubmitReadFailsWithoutReadSupport(t *testing.T) {
	tr := &fakeReadTransport{supportsRead: false}
	e := readengine.New(tr)
	if err := e.SubmitRead(newTxEntry(t)); err != rxcore.ErrCapabilityUnsupported {
		t.Fatalf("SubmitRead on a non-read transport = %v, want ErrCapabilityUnsupported", err)
	}
}

func TestSubmitReadSucceedsImmediately(t *testing.T) {
	tr := &fakeReadTransport{supportsRead: true, postErrs: []error{nil}}
	e := readengine.New(tr)
	entry := newTxEntry(t)
	if err := e.SubmitRead(entry); err != nil {
		t.Fatalf("SubmitRead: %v", err)
	}
	if done, err := e.Poll(entry); done || err != nil {
		t.Fatalf("Poll after a successful submit = (%v, %v), want (false, nil) and nothing pending", done, err)
	}
}

func TestSubmitReadQueuesOnAgainThenPollRetriesUntilAccepted(t *testing.T) {
	tr := &fakeReadTransport{supportsRead: true, postErrs: []error{rxcore.ErrAgain, rxcore.ErrAgain, nil}}
	e := readengine.New(tr)
	entry := newTxEntry(t)

	if err := e.SubmitRead(entry); err != nil {
		t.Fatalf("SubmitRead: %v", err)
	}
	if tr.calls != 1 {
		t.Fatalf("calls after SubmitRead = %d, want 1", tr.calls)
	}

	if done, err := e.Poll(entry); done || err != nil {
		t.Fatalf("first Poll = (%v, %v), want (false, nil) (still EAGAIN)", done, err)
	}
	if done, err := e.Poll(entry); done || err != nil {
		t.Fatalf("second Poll = (%v, %v), want (false, nil) (now accepted)", done, err)
	}
	if tr.calls != 3 {
		t.Fatalf("calls after two polls = %d, want 3", tr.calls)
	}
	// entry is no longer pending: a further Poll is a no-op, not another PostRead.
	if done, err := e.Poll(entry); done || err != nil {
		t.Fatalf("Poll after completion = (%v, %v), want (false, nil)", done, err)
	}
	if tr.calls != 3 {
		t.Fatalf("calls after a no-op poll = %d, want still 3", tr.calls)
	}
}

func TestPollOnUnknownEntryIsNoop(t *testing.T) {
	tr := &fakeReadTransport{supportsRead: true}
	e := readengine.New(tr)
	if done, err := e.Poll(newTxEntry(t)); done || err != nil {
		t.Fatalf("Poll on an entry never submitted = (%v, %v), want (false, nil)", done, err)
	}
}

func TestPollDropsEntryOnHardError(t *testing.T) {
	hardErr := errors.New("provider fault")
	tr := &fakeReadTransport{supportsRead: true, postErrs: []error{rxcore.ErrAgain, hardErr}}
	e := readengine.New(tr)
	entry := newTxEntry(t)

	if err := e.SubmitRead(entry); err != nil {
		t.Fatalf("SubmitRead: %v", err)
	}
	done, err := e.Poll(entry)
	if done || err != hardErr {
		t.Fatalf("Poll on hard error = (%v, %v), want (false, hardErr)", done, err)
	}
	// the failed read is no longer tracked, so a further Poll does nothing.
	if _, err := e.Poll(entry); err != nil {
		t.Fatalf("Poll after the entry was dropped = %v, want nil", err)
	}
	if tr.calls != 2 {
		t.Fatalf("calls = %d, want 2 (no retry after a hard error)", tr.calls)
	}
}
