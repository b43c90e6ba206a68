package fec

import (
	"fmt"
	"time"

	"github.com/klauspost/reedsolomon"

	"github.com/AllanDBB/ARIA/pkg/wire"
)

// Result is a decoded block: the original units of one (topic, source)
// stream, plus the geometry the sender advertised for its next block.
type Result struct {
	BlockSeq  uint64
	Topic     string
	Source    string
	Units     [][]byte
	Recovered bool // parity was needed
	Next      Params
}

// Lost describes a block given up on: more than m shards missing at the
// discard deadline.
type Lost struct {
	BlockSeq uint64
	Topic    string
	Source   string
	Received int
	Total    int
}

type block struct {
	params   Params
	next     Params
	topic    string
	source   string
	dataLen  uint32
	shards   [][]byte
	have     int
	deadline time.Time
}

// Assembler collects shards into blocks and decodes each block as soon as
// k shards are present. Completed and expired block sequence numbers are
// remembered briefly so straggler shards are counted, not re-assembled.
type Assembler struct {
	ttl    time.Duration
	meter  *LossMeter
	blocks map[uint64]*block
	done   map[uint64]time.Time
}

func NewAssembler(ttl time.Duration, meter *LossMeter) *Assembler {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Assembler{
		ttl:    ttl,
		meter:  meter,
		blocks: make(map[uint64]*block),
		done:   make(map[uint64]time.Time),
	}
}

// Add ingests one wire shard. It returns a non-nil Result when the shard
// completes a block. Shards for blocks already decoded or given up on are
// dropped.
func (a *Assembler) Add(shard []byte, now time.Time) (*Result, error) {
	h, body, err := parseShardHeader(shard)
	if err != nil {
		return nil, err
	}
	if _, finished := a.done[h.BlockSeq]; finished {
		return nil, nil
	}
	b := a.blocks[h.BlockSeq]
	if b == nil {
		b = &block{
			params:   h.Params,
			next:     h.Next,
			topic:    h.Topic,
			source:   h.Source,
			dataLen:  h.DataLen,
			shards:   make([][]byte, h.Params.Total()),
			deadline: now.Add(a.ttl),
		}
		a.blocks[h.BlockSeq] = b
	}
	if b.params != h.Params || b.dataLen != h.DataLen {
		return nil, fmt.Errorf("fec: shard geometry conflicts with block %d", h.BlockSeq)
	}
	if b.shards[h.Index] != nil {
		return nil, nil // duplicate
	}
	b.shards[h.Index] = append([]byte(nil), body...)
	b.have++
	if b.have < b.params.K {
		return nil, nil
	}

	res, err := a.decode(h.BlockSeq, b)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (a *Assembler) decode(seq uint64, b *block) (*Result, error) {
	if b.have < b.params.K {
		return nil, fmt.Errorf("%w: block %d has %d of %d", ErrInsufficientShards, seq, b.have, b.params.K)
	}
	recovered := false
	var data []byte
	if !b.params.coded() {
		data = b.shards[0]
	} else {
		missingData := false
		for i := 0; i < b.params.K; i++ {
			if b.shards[i] == nil {
				missingData = true
				break
			}
		}
		if missingData {
			rs, err := reedsolomon.New(b.params.K, b.params.M)
			if err != nil {
				return nil, fmt.Errorf("fec: %w", err)
			}
			if err := rs.ReconstructData(b.shards); err != nil {
				return nil, fmt.Errorf("fec: %w", err)
			}
			recovered = true
		}
		for i := 0; i < b.params.K; i++ {
			data = append(data, b.shards[i]...)
		}
	}
	if uint32(len(data)) < b.dataLen {
		return nil, fmt.Errorf("%w: block %d data %d < declared %d", wire.ErrTruncated, seq, len(data), b.dataLen)
	}
	units, err := wire.UnpackRecords(data[:b.dataLen])
	if err != nil {
		return nil, err
	}
	if a.meter != nil {
		a.meter.Observe(b.params.Total()-b.have, b.params.Total())
	}
	delete(a.blocks, seq)
	a.done[seq] = b.deadline
	return &Result{
		BlockSeq:  seq,
		Topic:     b.topic,
		Source:    b.source,
		Units:     units,
		Recovered: recovered,
		Next:      b.next,
	}, nil
}

// Expire gives up on blocks past their deadline that never reached k
// shards, reporting each as lost, and forgets stale completion markers.
func (a *Assembler) Expire(now time.Time) []Lost {
	var lost []Lost
	for seq, b := range a.blocks {
		if now.Before(b.deadline) {
			continue
		}
		if a.meter != nil {
			a.meter.Observe(b.params.Total()-b.have, b.params.Total())
		}
		lost = append(lost, Lost{
			BlockSeq: seq,
			Topic:    b.topic,
			Source:   b.source,
			Received: b.have,
			Total:    b.params.Total(),
		})
		delete(a.blocks, seq)
		// Remember the sequence so stragglers neither resurrect the block
		// nor feed the meter a second time.
		a.done[seq] = b.deadline
	}
	for seq, dl := range a.done {
		if now.After(dl.Add(a.ttl)) {
			delete(a.done, seq)
		}
	}
	return lost
}

// PendingBlocks reports how many blocks are awaiting shards.
func (a *Assembler) PendingBlocks() int { return len(a.blocks) }
