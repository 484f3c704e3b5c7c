package rxcore

// slotIndex identifies a stable position inside a pool-backed slice. It
// doubles as the compact identifier carried in packet headers (spec.md §3,
// "a stable index ... serving as a compact identifier in packet headers").
type slotIndex int32

const invalidSlot slotIndex = -1

// indexList is an intrusive doubly-linked list of pool slot indices. It
// implements the "separate pool-backed index lists per queue" alternative
// named in spec.md §9, rather than embedding link fields directly in
// TxEntry/RxEntry: entries are plain structs stored by value inside their
// pool's backing slice (see pool.go), so membership in the endpoint-wide,
// peer-wide, and per-queued-state lists named in spec.md §3 is tracked here
// instead of via struct-embedded prev/next pointers.
type indexList struct {
	nodes      map[slotIndex]*listNode
	head, tail slotIndex
	length     int
}

type listNode struct {
	prev, next slotIndex
}

func newIndexList() *indexList {
	return &indexList{
		nodes: make(map[slotIndex]*listNode),
		head:  invalidSlot,
		tail:  invalidSlot,
	}
}

// PushBack appends idx to the tail of the list. A no-op if idx is already a
// member (membership is tracked per-list so an entry can be linked onto
// several distinct lists at once, e.g. the endpoint-wide list and one
// queued-state list).
func (l *indexList) PushBack(idx slotIndex) {
	if _, ok := l.nodes[idx]; ok {
		return
	}
	n := &listNode{prev: l.tail, next: invalidSlot}
	if l.tail != invalidSlot {
		l.nodes[l.tail].next = idx
	} else {
		l.head = idx
	}
	l.tail = idx
	l.nodes[idx] = n
	l.length++
}

// Remove unlinks idx from the list. A no-op if idx is not a member.
func (l *indexList) Remove(idx slotIndex) {
	n, ok := l.nodes[idx]
	if !ok {
		return
	}
	if n.prev != invalidSlot {
		l.nodes[n.prev].next = n.next
	} else {
		l.head = n.next
	}
	if n.next != invalidSlot {
		l.nodes[n.next].prev = n.prev
	} else {
		l.tail = n.prev
	}
	delete(l.nodes, idx)
	l.length--
}

// Contains reports whether idx is currently linked onto the list.
func (l *indexList) Contains(idx slotIndex) bool {
	_, ok := l.nodes[idx]
	return ok
}

// Len returns the number of linked entries.
func (l *indexList) Len() int { return l.length }

// Empty reports whether the list has no members.
func (l *indexList) Empty() bool { return l.length == 0 }

// Front returns the head slot index, or invalidSlot if empty.
func (l *indexList) Front() slotIndex { return l.head }

// PopFront removes and returns the head slot index, or invalidSlot if empty.
func (l *indexList) PopFront() slotIndex {
	idx := l.head
	if idx != invalidSlot {
		l.Remove(idx)
	}
	return idx
}

// Each calls fn for every member in list order. fn may remove the current
// node (and only the current node) safely; Each snapshots the next pointer
// before invoking fn.
func (l *indexList) Each(fn func(slotIndex)) {
	cur := l.head
	for cur != invalidSlot {
		n := l.nodes[cur]
		next := n.next
		fn(cur)
		cur = next
	}
}
