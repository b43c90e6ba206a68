package fec

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"
	"time"
)

func makeUnits(n, size int) [][]byte {
	units := make([][]byte, n)
	for i := range units {
		u := make([]byte, size)
		for j := range u {
			u[j] = byte(i*31 + j)
		}
		units[i] = u
	}
	return units
}

func sameUnits(a, b [][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

func TestEncodeAssembleNoLoss(t *testing.T) {
	enc, err := NewEncoder("perception/lidar", "robot-7", Params{K: 4, M: 2})
	if err != nil {
		t.Fatalf("new encoder: %v", err)
	}
	units := makeUnits(4, 100)
	shards, blockSeq, err := enc.Encode(units)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(shards) != 6 {
		t.Fatalf("shards: got %d, want 6", len(shards))
	}

	asm := NewAssembler(time.Second, nil)
	now := time.Now()
	var res *Result
	for _, sh := range shards {
		r, err := asm.Add(sh, now)
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		if r != nil {
			res = r
		}
	}
	if res == nil {
		t.Fatalf("block never completed")
	}
	if res.BlockSeq != blockSeq || res.Topic != "perception/lidar" || res.Source != "robot-7" {
		t.Fatalf("result identity: %+v", res)
	}
	if res.Recovered {
		t.Fatalf("lossless decode flagged as recovered")
	}
	if !sameUnits(res.Units, units) {
		t.Fatalf("units corrupted")
	}
}

func TestRecoveryFromParityShards(t *testing.T) {
	enc, _ := NewEncoder("t", "s", Params{K: 4, M: 2})
	units := makeUnits(4, 257) // odd size exercises shard padding
	shards, _, err := enc.Encode(units)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	// Drop two data shards; parity must cover them.
	asm := NewAssembler(time.Second, nil)
	now := time.Now()
	var res *Result
	for i, sh := range shards {
		if i == 0 || i == 2 {
			continue
		}
		r, err := asm.Add(sh, now)
		if err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
		if r != nil {
			res = r
		}
	}
	if res == nil {
		t.Fatalf("block not recovered from k shards")
	}
	if !res.Recovered {
		t.Fatalf("recovery not flagged")
	}
	if !sameUnits(res.Units, units) {
		t.Fatalf("recovered units corrupted")
	}
}

func TestBlockLostBeyondParity(t *testing.T) {
	enc, _ := NewEncoder("t", "s", Params{K: 4, M: 2})
	shards, blockSeq, _ := enc.Encode(makeUnits(4, 64))

	meter := NewLossMeter(0)
	asm := NewAssembler(100*time.Millisecond, meter)
	now := time.Now()
	// Only 3 of 6 arrive; k=4 is unreachable.
	for _, sh := range shards[:3] {
		if _, err := asm.Add(sh, now); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	lost := asm.Expire(now.Add(200 * time.Millisecond))
	if len(lost) != 1 || lost[0].BlockSeq != blockSeq {
		t.Fatalf("lost: %+v", lost)
	}
	if lost[0].Received != 3 || lost[0].Total != 6 {
		t.Fatalf("loss accounting: %+v", lost[0])
	}
	if meter.Rate() == 0 {
		t.Fatalf("loss meter not fed")
	}
}

func TestExpiredBlockStragglersDropped(t *testing.T) {
	enc, _ := NewEncoder("t", "s", Params{K: 4, M: 2})
	shards, _, _ := enc.Encode(makeUnits(4, 64))

	meter := NewLossMeter(0)
	asm := NewAssembler(100*time.Millisecond, meter)
	now := time.Now()
	for _, sh := range shards[:3] {
		if _, err := asm.Add(sh, now); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if lost := asm.Expire(now.Add(150 * time.Millisecond)); len(lost) != 1 {
		t.Fatalf("lost: %+v", lost)
	}
	rate := meter.Rate()

	// A straggler for the expired block must not resurrect it.
	r, err := asm.Add(shards[3], now.Add(160*time.Millisecond))
	if err != nil || r != nil {
		t.Fatalf("straggler: r=%v err=%v", r, err)
	}
	if asm.PendingBlocks() != 0 {
		t.Fatalf("straggler recreated the block")
	}
	// Nor may a later sweep count the same loss twice.
	if lost := asm.Expire(now.Add(170 * time.Millisecond)); len(lost) != 0 {
		t.Fatalf("expired again: %+v", lost)
	}
	if meter.Rate() != rate {
		t.Fatalf("loss double counted: %v vs %v", meter.Rate(), rate)
	}
}

func TestDuplicateAndStraggler(t *testing.T) {
	enc, _ := NewEncoder("t", "s", Params{K: 2, M: 1})
	shards, _, _ := enc.Encode(makeUnits(2, 32))
	asm := NewAssembler(time.Second, nil)
	now := time.Now()

	if _, err := asm.Add(shards[0], now); err != nil {
		t.Fatalf("add: %v", err)
	}
	if r, err := asm.Add(shards[0], now); err != nil || r != nil {
		t.Fatalf("duplicate: r=%v err=%v", r, err)
	}
	r, err := asm.Add(shards[1], now)
	if err != nil || r == nil {
		t.Fatalf("complete: r=%v err=%v", r, err)
	}
	// Straggler after completion is dropped silently.
	if r, err := asm.Add(shards[2], now); err != nil || r != nil {
		t.Fatalf("straggler: r=%v err=%v", r, err)
	}
}

func TestShortBlockNoPadding(t *testing.T) {
	enc, _ := NewEncoder("t", "s", Params{K: 8, M: 2})
	units := makeUnits(3, 50) // fewer than k units
	shards, _, err := enc.Encode(units)
	if err != nil {
		t.Fatalf("encode short block: %v", err)
	}
	asm := NewAssembler(time.Second, nil)
	now := time.Now()
	var res *Result
	for _, sh := range shards {
		r, err := asm.Add(sh, now)
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		if r != nil {
			res = r
		}
	}
	if res == nil || !sameUnits(res.Units, units) {
		t.Fatalf("short block roundtrip failed")
	}
}

func TestPassthroughGeometry(t *testing.T) {
	enc, err := NewEncoder("t", "s", Params{K: 1, M: 0})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	units := makeUnits(1, 40)
	shards, _, err := enc.Encode(units)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(shards) != 1 {
		t.Fatalf("passthrough produced %d shards", len(shards))
	}
	asm := NewAssembler(time.Second, nil)
	res, err := asm.Add(shards[0], time.Now())
	if err != nil || res == nil {
		t.Fatalf("decode: res=%v err=%v", res, err)
	}
	if !sameUnits(res.Units, units) {
		t.Fatalf("passthrough corrupted")
	}
}

func TestInvalidParams(t *testing.T) {
	for _, p := range []Params{{K: 0, M: 1}, {K: 4, M: 0}, {K: 300, M: 1}, {K: 4, M: 300}} {
		if _, err := NewEncoder("t", "s", p); err == nil {
			t.Fatalf("params %+v accepted", p)
		}
	}
}

func TestGeometryAdvertisement(t *testing.T) {
	enc, _ := NewEncoder("t", "s", Params{K: 4, M: 1})
	enc.SetNext(Params{K: 4, M: 3})

	shards, _, _ := enc.Encode(makeUnits(4, 16))
	asm := NewAssembler(time.Second, nil)
	now := time.Now()
	var res *Result
	for _, sh := range shards {
		r, _ := asm.Add(sh, now)
		if r != nil {
			res = r
		}
	}
	if res == nil {
		t.Fatalf("block not decoded")
	}
	if res.Next != (Params{K: 4, M: 3}) {
		t.Fatalf("advertised geometry: %+v", res.Next)
	}
	// The change lands on the following block.
	if enc.Params() != (Params{K: 4, M: 3}) {
		t.Fatalf("boundary switch: %+v", enc.Params())
	}
	shards, _, err := enc.Encode(makeUnits(4, 16))
	if err != nil {
		t.Fatalf("encode after switch: %v", err)
	}
	if len(shards) != 7 {
		t.Fatalf("shards after switch: %d, want 7", len(shards))
	}
}

func TestLossMeterSmoothing(t *testing.T) {
	m := NewLossMeter(0.5)
	m.Observe(0, 10)
	if m.Rate() != 0 {
		t.Fatalf("rate after clean block: %v", m.Rate())
	}
	m.Observe(5, 10)
	if r := m.Rate(); r < 0.24 || r > 0.26 {
		t.Fatalf("rate after 50%% block at alpha .5: %v", r)
	}
}

func TestAdaptiveParity(t *testing.T) {
	a := NewAdaptive(4, 2, 8)
	if p := a.Next(0); p.M != 2 {
		t.Fatalf("no loss: m=%d, want floor 2", p.M)
	}
	if p := a.Next(0.005); p.M != 2 {
		t.Fatalf("negligible loss: m=%d, want floor 2", p.M)
	}
	// 30% loss on k=4: ceil(0.3*4/0.7) = 2 → floor keeps 2; 50%: ceil(4) = 4.
	if p := a.Next(0.5); p.M != 4 {
		t.Fatalf("50%% loss: m=%d, want 4", p.M)
	}
	if p := a.Next(0.95); p.M != 8 {
		t.Fatalf("heavy loss: m=%d, want cap 8", p.M)
	}
}

func TestFifteenPercentLossAtMinimumParity(t *testing.T) {
	const totalUnits = 1000
	enc, _ := NewEncoder("t", "s", Params{K: 8, M: 2})
	asm := NewAssembler(time.Hour, NewLossMeter(0))
	rng := rand.New(rand.NewSource(7))
	now := time.Now()

	recovered := 0
	blocks := 0
	for off := 0; off < totalUnits; off += 8 {
		units := make([][]byte, 8)
		for i := range units {
			units[i] = []byte(fmt.Sprintf("unit %d payload bytes", off+i))
		}
		shards, _, err := enc.Encode(units)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		blocks++

		// 15% of 10 shards: erase one or two per block, never more than m.
		erased := map[int]bool{rng.Intn(len(shards)): true}
		if blocks%2 == 0 {
			erased[(blocks*3)%len(shards)] = true
		}
		var res *Result
		for i, sh := range shards {
			if erased[i] {
				continue
			}
			r, err := asm.Add(sh, now)
			if err != nil {
				t.Fatalf("add: %v", err)
			}
			if r != nil {
				res = r
			}
		}
		if res == nil {
			t.Fatalf("block %d not decoded with %d erasures", blocks, len(erased))
		}
		if !sameUnits(res.Units, units) {
			t.Fatalf("block %d decoded wrong", blocks)
		}
		recovered++
	}
	if recovered*100 < blocks*85 {
		t.Fatalf("recovered %d of %d blocks", recovered, blocks)
	}
}

func TestLossyChannelRecoveryRate(t *testing.T) {
	const (
		blocks   = 50
		lossProb = 0.15
	)
	rng := rand.New(rand.NewSource(42))
	enc, _ := NewEncoder("t", "s", Params{K: 8, M: 4})
	asm := NewAssembler(time.Hour, NewLossMeter(0))
	now := time.Now()

	decoded := 0
	for b := 0; b < blocks; b++ {
		units := make([][]byte, 8)
		for i := range units {
			units[i] = []byte(fmt.Sprintf("block %d unit %d payload", b, i))
		}
		shards, _, err := enc.Encode(units)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		for _, sh := range shards {
			if rng.Float64() < lossProb {
				continue
			}
			r, err := asm.Add(sh, now)
			if err != nil {
				t.Fatalf("add: %v", err)
			}
			if r != nil {
				decoded++
			}
		}
	}
	// 15% shard loss against 4 spare shards of 12: the vast majority of
	// blocks must survive.
	if decoded < blocks*8/10 {
		t.Fatalf("decoded %d of %d blocks", decoded, blocks)
	}
}
