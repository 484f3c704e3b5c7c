package rxcore

import "unsafe"

// entryContext is the token carried as a post's Context and handed back
// unchanged on its completion, identifying which pool and slot it belongs
// to (spec.md §4.2, "the context carried on a post is the entry's own pool
// slot"). Unlike fi.CompletionContext's registry (grounded on the real
// cgo boundary in fi/context.go, where a Go pointer cannot cross into C),
// rxrep's posts never leave Go, so the token can be the allocation itself.
type entryContext struct {
	idx  slotIndex
	isTx bool
}

func newEntryContext(idx slotIndex, isTx bool) unsafe.Pointer {
	return unsafe.Pointer(&entryContext{idx: idx, isTx: isTx})
}

// contextToEntry recovers the pool slot index and tx/rx flag encoded in ptr
// by newEntryContext. Returns ok=false for a nil or foreign context (for
// example a handshake send posted with no owning entry).
func contextToEntry(ptr unsafe.Pointer) (slotIndex, bool, bool) {
	if ptr == nil {
		return invalidSlot, false, false
	}
	ec := (*entryContext)(ptr)
	return ec.idx, ec.isTx, true
}

// ReadContext returns the context token an external ReadEngine must pass as
// its Transport.PostRead call's Context, so the eventual OpcodeRead
// completion correlates back to entry the same way every other post does
// (spec.md §1, ReadEngine is an external collaborator driving
// Transport.PostRead directly rather than going through rxcore's own
// posting layer).
func ReadContext(entry *TxEntry) unsafe.Pointer {
	return newEntryContext(entry.index, true)
}
