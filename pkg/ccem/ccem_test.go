package ccem

import (
	"context"
	"testing"
	"time"

	"github.com/AllanDBB/ARIA/pkg/wire"
)

func unit(seq uint32) wire.Unit {
	return wire.Unit{Seq: seq, Body: []byte{byte(seq)}}
}

func seqs(units []wire.Unit) []uint32 {
	out := make([]uint32, len(units))
	for i, u := range units {
		out[i] = u.Seq
	}
	return out
}

func TestReorderInOrderPassThrough(t *testing.T) {
	b := NewReorderBuffer(10, 100*time.Millisecond)
	now := time.Now()
	for seq := uint32(0); seq < 5; seq++ {
		got := b.Push(unit(seq), now)
		if len(got) != 1 || got[0].Seq != seq {
			t.Fatalf("seq %d: released %v", seq, seqs(got))
		}
	}
	if b.Pending() != 0 {
		t.Fatalf("pending: %d", b.Pending())
	}
}

func TestReorderResequences(t *testing.T) {
	b := NewReorderBuffer(10, 100*time.Millisecond)
	now := time.Now()
	b.Push(unit(0), now)

	if got := b.Push(unit(2), now); len(got) != 0 {
		t.Fatalf("early unit released: %v", seqs(got))
	}
	if got := b.Push(unit(3), now); len(got) != 0 {
		t.Fatalf("early unit released: %v", seqs(got))
	}
	got := b.Push(unit(1), now)
	want := []uint32{1, 2, 3}
	if len(got) != 3 {
		t.Fatalf("released %v, want %v", seqs(got), want)
	}
	for i, s := range want {
		if got[i].Seq != s {
			t.Fatalf("released %v, want %v", seqs(got), want)
		}
	}
}

func TestReorderStaleReleasedImmediately(t *testing.T) {
	b := NewReorderBuffer(10, 100*time.Millisecond)
	now := time.Now()
	b.Push(unit(5), now)
	b.Push(unit(6), now)

	got := b.Push(unit(2), now) // already passed
	if len(got) != 1 || got[0].Seq != 2 {
		t.Fatalf("stale unit: released %v", seqs(got))
	}
}

func TestReorderWindowOverflowSkipsGap(t *testing.T) {
	b := NewReorderBuffer(3, time.Hour)
	now := time.Now()
	b.Push(unit(0), now)
	// Sequence 1 never arrives; fill past the window.
	b.Push(unit(2), now)
	b.Push(unit(3), now)
	b.Push(unit(4), now)
	got := b.Push(unit(5), now)
	if len(got) == 0 {
		t.Fatalf("window overflow released nothing")
	}
	if got[0].Seq != 2 {
		t.Fatalf("first released %d, want 2", got[0].Seq)
	}
}

func TestReorderFlushReleasesHeldUnits(t *testing.T) {
	b := NewReorderBuffer(10, 50*time.Millisecond)
	start := time.Now()
	b.Push(unit(0), start)
	b.Push(unit(2), start) // held, waiting for 1

	if got := b.Flush(start.Add(10 * time.Millisecond)); len(got) != 0 {
		t.Fatalf("flushed before hold elapsed: %v", seqs(got))
	}
	got := b.Flush(start.Add(60 * time.Millisecond))
	if len(got) != 1 || got[0].Seq != 2 {
		t.Fatalf("flush released %v, want [2]", seqs(got))
	}
	// The gap was conceded; 3 now flows straight through.
	if got := b.Push(unit(3), start.Add(61*time.Millisecond)); len(got) != 1 {
		t.Fatalf("post-flush unit held: %v", seqs(got))
	}
}

func TestReorderDuplicateDropped(t *testing.T) {
	b := NewReorderBuffer(10, time.Hour)
	now := time.Now()
	b.Push(unit(0), now)
	b.Push(unit(2), now)
	if got := b.Push(unit(2), now); len(got) != 0 {
		t.Fatalf("duplicate released: %v", seqs(got))
	}
}

func TestPacerSpacesEmissions(t *testing.T) {
	p := NewPacer(20 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 4; i++ {
		if err := p.Pace(ctx); err != nil {
			t.Fatalf("pace %d: %v", i, err)
		}
	}
	// First slot is immediate, the next three wait one interval each.
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("4 emissions in %v, want >= 60ms spacing", elapsed)
	}
}

func TestPacerZeroIntervalDisabled(t *testing.T) {
	p := NewPacer(0)
	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := p.Pace(context.Background()); err != nil {
			t.Fatalf("pace: %v", err)
		}
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Fatalf("disabled pacer throttled")
	}
}

func TestPacerHonorsContext(t *testing.T) {
	p := NewPacer(time.Hour)
	_ = p.Pace(context.Background()) // consume the immediate slot
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Pace(ctx); err == nil {
		t.Fatalf("pace returned before the hour without ctx error")
	}
}

func TestDriftEstimatorConvergence(t *testing.T) {
	d := NewDriftEstimator(100)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Sender clock runs 1.001x fast and 250ms ahead.
	for i := 0; i < 50; i++ {
		local := base.Add(time.Duration(i) * 100 * time.Millisecond)
		remoteNanos := float64(local.Sub(base).Nanoseconds())*1.001 + float64(250*time.Millisecond)
		remote := base.Add(time.Duration(remoteNanos))
		d.Observe(remote, local)
	}

	rate, offset := d.Skew()
	// Receiver per sender second: 1/1.001 ≈ 0.999.
	if rate < 0.99 || rate > 1.01 {
		t.Fatalf("rate %v, want ~0.999", rate)
	}
	if offset > -200*time.Millisecond || offset < -300*time.Millisecond {
		t.Fatalf("offset %v, want ~-250ms", offset)
	}

	remote := base.Add(5*time.Second + 255*time.Millisecond)
	comp := d.Compensate(remote)
	local := base.Add(5 * time.Second)
	if diff := comp.Sub(local); diff < -20*time.Millisecond || diff > 20*time.Millisecond {
		t.Fatalf("compensated time off by %v", diff)
	}
}

func TestDriftEstimatorNeedsSamples(t *testing.T) {
	d := NewDriftEstimator(100)
	now := time.Now()
	d.Observe(now.Add(time.Second), now)
	if got := d.Compensate(now.Add(2 * time.Second)); !got.Equal(now.Add(2 * time.Second)) {
		t.Fatalf("undersampled estimator compensated: %v", got)
	}
	rate, offset := d.Skew()
	if rate != 1 || offset != 0 {
		t.Fatalf("undersampled skew: rate=%v offset=%v", rate, offset)
	}
}
