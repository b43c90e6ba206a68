package fragment

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func reassemble(t *testing.T, d *Defragmenter, frags [][]byte, now time.Time) []byte {
	t.Helper()
	for i, f := range frags {
		unit, err := d.Add(f, now)
		if i < len(frags)-1 {
			if !errors.Is(err, ErrIncomplete) {
				t.Fatalf("fragment %d: err=%v, want ErrIncomplete", i, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("final fragment: %v", err)
		}
		return unit
	}
	return nil
}

func TestSplitReassembleRoundTrip(t *testing.T) {
	unit := make([]byte, 5000)
	for i := range unit {
		unit[i] = byte(i % 251)
	}
	frags, err := Split(unit, 1400)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	// payload per fragment = 1400-20 = 1380; ceil(5000/1380) = 4
	if len(frags) != 4 {
		t.Fatalf("fragments: got %d, want 4", len(frags))
	}
	for _, f := range frags {
		if len(f) > 1400 {
			t.Fatalf("fragment of %d bytes exceeds mtu", len(f))
		}
	}

	d := NewDefragmenter(time.Second, 0)
	got := reassemble(t, d, frags, time.Now())
	if !bytes.Equal(got, unit) {
		t.Fatalf("reassembly corrupted")
	}
	if groups, used := d.Pending(); groups != 0 || used != 0 {
		t.Fatalf("state leaked: groups=%d used=%d", groups, used)
	}
}

func TestSplitSmallUnit(t *testing.T) {
	frags, err := Split([]byte("tiny"), 1400)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(frags) != 1 {
		t.Fatalf("fragments: got %d, want 1", len(frags))
	}
	d := NewDefragmenter(time.Second, 0)
	unit, err := d.Add(frags[0], time.Now())
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if string(unit) != "tiny" {
		t.Fatalf("unit: %q", unit)
	}
}

func TestSplitEmptyUnit(t *testing.T) {
	frags, err := Split(nil, 1400)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(frags) != 1 {
		t.Fatalf("empty unit: %d fragments, want 1", len(frags))
	}
	d := NewDefragmenter(time.Second, 0)
	unit, err := d.Add(frags[0], time.Now())
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(unit) != 0 {
		t.Fatalf("unit: %d bytes, want 0", len(unit))
	}
}

func TestSplitRejectsTinyMTU(t *testing.T) {
	if _, err := Split([]byte("x"), HeaderSize); err == nil {
		t.Fatalf("mtu equal to header accepted")
	}
}

func TestOutOfOrderReassembly(t *testing.T) {
	unit := make([]byte, 3000)
	for i := range unit {
		unit[i] = byte(i)
	}
	frags, _ := Split(unit, 1400)
	d := NewDefragmenter(time.Second, 0)
	now := time.Now()

	order := []int{2, 0, 1}
	var got []byte
	for i, idx := range order {
		u, err := d.Add(frags[idx], now)
		if i < len(order)-1 {
			if !errors.Is(err, ErrIncomplete) {
				t.Fatalf("step %d: %v", i, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("final: %v", err)
		}
		got = u
	}
	if !bytes.Equal(got, unit) {
		t.Fatalf("out-of-order reassembly corrupted")
	}
}

func TestDuplicateFragment(t *testing.T) {
	frags, _ := Split(make([]byte, 3000), 1400)
	d := NewDefragmenter(time.Second, 0)
	now := time.Now()
	if _, err := d.Add(frags[0], now); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("first: %v", err)
	}
	if _, err := d.Add(frags[0], now); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("duplicate: %v", err)
	}
	if groups, _ := d.Pending(); groups != 1 {
		t.Fatalf("groups: %d", groups)
	}
}

func TestExpireDropsStaleGroups(t *testing.T) {
	frags, _ := Split(make([]byte, 3000), 1400)
	d := NewDefragmenter(100*time.Millisecond, 0)
	start := time.Now()
	_, _ = d.Add(frags[0], start)

	if n := d.Expire(start.Add(50 * time.Millisecond)); n != 0 {
		t.Fatalf("expired early: %d", n)
	}
	if n := d.Expire(start.Add(150 * time.Millisecond)); n != 1 {
		t.Fatalf("expired: %d, want 1", n)
	}
	if groups, used := d.Pending(); groups != 0 || used != 0 {
		t.Fatalf("state after expire: groups=%d used=%d", groups, used)
	}
}

func TestBudgetEvictsOldestGroup(t *testing.T) {
	d := NewDefragmenter(time.Minute, 3000)
	now := time.Now()

	// Three incomplete groups of ~1380 payload bytes each; the third pushes
	// past the budget and evicts the oldest.
	for i := 0; i < 3; i++ {
		frags, _ := Split(make([]byte, 3000), 1400)
		if _, err := d.Add(frags[0], now.Add(time.Duration(i)*time.Millisecond)); !errors.Is(err, ErrIncomplete) {
			t.Fatalf("group %d: %v", i, err)
		}
	}
	groups, used := d.Pending()
	if groups != 2 {
		t.Fatalf("groups after eviction: %d, want 2", groups)
	}
	if used > 3000 {
		t.Fatalf("budget exceeded: %d", used)
	}
}

func TestBudgetHoldsWhenOldestIsActive(t *testing.T) {
	d := NewDefragmenter(time.Minute, 3000)
	now := time.Now()

	// Group A arrives first, so it owns the oldest deadline and keeps
	// growing; group B sits incomplete behind it.
	aFrags, _ := Split(make([]byte, 4000), 1400)
	if _, err := d.Add(aFrags[0], now); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("a0: %v", err)
	}
	bFrags, _ := Split(make([]byte, 3000), 1400)
	if _, err := d.Add(bFrags[0], now.Add(time.Millisecond)); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("b0: %v", err)
	}

	// A's second fragment pushes past the budget while A itself is the
	// oldest group; B must be evicted, not the budget abandoned.
	if _, err := d.Add(aFrags[1], now.Add(2*time.Millisecond)); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("a1: %v", err)
	}
	groups, used := d.Pending()
	if groups != 1 {
		t.Fatalf("groups: %d, want 1", groups)
	}
	if used > 3000 {
		t.Fatalf("budget exceeded: %d", used)
	}
}

func TestAddRejectsMalformed(t *testing.T) {
	d := NewDefragmenter(time.Second, 0)
	if _, err := d.Add([]byte{1, 2, 3}, time.Now()); err == nil {
		t.Fatalf("short fragment accepted")
	}
	frags, _ := Split([]byte("abc"), 1400)
	bad := append([]byte(nil), frags[0]...)
	bad[16], bad[17] = 0xFF, 0xFF // index far past count
	if _, err := d.Add(bad, time.Now()); err == nil {
		t.Fatalf("index >= count accepted")
	}
}
