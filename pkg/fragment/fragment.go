// Package fragment splits oversized units into MTU-sized fragments and
// reassembles them. Partially-received groups are bounded by a discard
// deadline and a global byte budget; under pressure the oldest-deadline
// group is evicted first, since newer groups are more likely to complete.
package fragment

import (
	"container/heap"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AllanDBB/ARIA/pkg/wire"
)

// HeaderSize is the per-fragment overhead: groupID(16) | index(2) | count(2).
const HeaderSize = 16 + 2 + 2

// ErrIncomplete reports a group still waiting for fragments.
var ErrIncomplete = errors.New("fragment: incomplete group")

// Split fragments a unit for the given MTU. The split is deterministic:
// count = ceil(len(unit)/(mtu-HeaderSize)). An empty unit yields a single
// empty-bodied fragment so zero-length payloads still travel.
func Split(unit []byte, mtu int) ([][]byte, error) {
	payload := mtu - HeaderSize
	if payload < 1 {
		return nil, fmt.Errorf("fragment: mtu %d leaves no payload room", mtu)
	}
	count := (len(unit) + payload - 1) / payload
	if count == 0 {
		count = 1
	}
	if count > 0xFFFF {
		return nil, fmt.Errorf("fragment: unit of %d bytes needs %d fragments", len(unit), count)
	}
	group := uuid.New()
	out := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		start := i * payload
		end := start + payload
		if end > len(unit) {
			end = len(unit)
		}
		f := make([]byte, 0, HeaderSize+end-start)
		f = append(f, group[:]...)
		f = binary.BigEndian.AppendUint16(f, uint16(i))
		f = binary.BigEndian.AppendUint16(f, uint16(count))
		f = append(f, unit[start:end]...)
		out = append(out, f)
	}
	return out, nil
}

type group struct {
	id       uuid.UUID
	parts    [][]byte
	have     int
	bytes    int
	deadline time.Time
	heapIdx  int
}

// Defragmenter reassembles fragment groups under a deadline and a total
// memory budget.
type Defragmenter struct {
	mu     sync.Mutex
	ttl    time.Duration
	budget int
	used   int
	groups map[uuid.UUID]*group
	pq     deadlineHeap

	evicted uint64
	expired uint64
}

// NewDefragmenter bounds partial groups to ttl each and budget bytes in
// total. budget <= 0 means unbounded.
func NewDefragmenter(ttl time.Duration, budget int) *Defragmenter {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Defragmenter{ttl: ttl, budget: budget, groups: make(map[uuid.UUID]*group)}
}

// Add ingests one fragment. It returns the reassembled unit when the
// fragment completes its group, or ErrIncomplete while waiting.
func (d *Defragmenter) Add(frame []byte, now time.Time) ([]byte, error) {
	if len(frame) < HeaderSize {
		return nil, fmt.Errorf("%w: fragment of %d bytes", wire.ErrTruncated, len(frame))
	}
	var id uuid.UUID
	copy(id[:], frame[:16])
	index := int(binary.BigEndian.Uint16(frame[16:18]))
	count := int(binary.BigEndian.Uint16(frame[18:20]))
	body := frame[HeaderSize:]
	if count < 1 || index >= count {
		return nil, fmt.Errorf("%w: fragment %d of %d", wire.ErrMalformed, index, count)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	g := d.groups[id]
	if g == nil {
		g = &group{id: id, parts: make([][]byte, count), deadline: now.Add(d.ttl)}
		d.groups[id] = g
		heap.Push(&d.pq, g)
	}
	if len(g.parts) != count {
		return nil, fmt.Errorf("%w: group %s count %d vs %d", wire.ErrMalformed, id, len(g.parts), count)
	}
	if g.parts[index] != nil {
		return nil, ErrIncomplete // duplicate
	}
	g.parts[index] = append([]byte(nil), body...)
	g.have++
	g.bytes += len(body)
	d.used += len(body)

	if g.have == count {
		unit := make([]byte, 0, g.bytes)
		for _, p := range g.parts {
			unit = append(unit, p...)
		}
		d.drop(g)
		return unit, nil
	}

	for d.budget > 0 && d.used > d.budget && len(d.groups) > 1 {
		oldest := d.pq.groups[0]
		if oldest == g {
			// Never evict the group just added to; the next-oldest is the
			// smaller of the heap root's children.
			i := 1
			if len(d.pq.groups) > 2 && d.pq.Less(2, 1) {
				i = 2
			}
			oldest = d.pq.groups[i]
		}
		d.drop(oldest)
		d.evicted++
	}
	return nil, ErrIncomplete
}

// Expire discards groups past their deadline and returns how many.
func (d *Defragmenter) Expire(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for len(d.pq.groups) > 0 && !now.Before(d.pq.groups[0].deadline) {
		d.drop(d.pq.groups[0])
		d.expired++
		n++
	}
	return n
}

// Pending reports buffered groups and bytes.
func (d *Defragmenter) Pending() (groups, bytes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.groups), d.used
}

func (d *Defragmenter) drop(g *group) {
	d.used -= g.bytes
	delete(d.groups, g.id)
	heap.Remove(&d.pq, g.heapIdx)
}

// ---- deadline heap ----

type deadlineHeap struct {
	groups []*group
}

func (h *deadlineHeap) Len() int { return len(h.groups) }
func (h *deadlineHeap) Less(i, j int) bool {
	return h.groups[i].deadline.Before(h.groups[j].deadline)
}
func (h *deadlineHeap) Swap(i, j int) {
	h.groups[i], h.groups[j] = h.groups[j], h.groups[i]
	h.groups[i].heapIdx = i
	h.groups[j].heapIdx = j
}
func (h *deadlineHeap) Push(x any) {
	g := x.(*group)
	g.heapIdx = len(h.groups)
	h.groups = append(h.groups, g)
}
func (h *deadlineHeap) Pop() any {
	old := h.groups
	n := len(old)
	g := old[n-1]
	old[n-1] = nil
	h.groups = old[:n-1]
	return g
}
