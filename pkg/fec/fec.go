// Package fec adds recoverable redundancy across batches of encoded units
// with systematic Reed-Solomon coding: k data shards and m parity shards,
// any k of which reconstruct the block. Every shard header carries the
// geometry of the block it belongs to plus the geometry of the next block,
// so adaptive re-negotiation needs no separate control channel and a
// missed advertisement only costs the in-flight block.
package fec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/klauspost/reedsolomon"

	"github.com/AllanDBB/ARIA/pkg/wire"
)

var (
	// ErrInsufficientShards reports a decode attempt with fewer than k shards.
	ErrInsufficientShards = errors.New("fec: insufficient shards")
	// ErrBlockLost reports a block that can no longer be recovered.
	ErrBlockLost = errors.New("fec: block lost")
)

// Params is the (k, m) block geometry. K=1, M=0 disables coding: the block
// is a single passthrough shard.
type Params struct {
	K int
	M int
}

func (p Params) Total() int { return p.K + p.M }

func (p Params) validate() error {
	if p.K < 1 || p.M < 0 || p.K > 255 || p.M > 255 {
		return fmt.Errorf("fec: invalid params k=%d m=%d", p.K, p.M)
	}
	if p.M == 0 && p.K != 1 {
		return fmt.Errorf("fec: k=%d requires parity; only k=1 m=0 is passthrough", p.K)
	}
	return nil
}

func (p Params) coded() bool { return p.M > 0 }

// ---- shard wire form ----

// header: blockSeq(8) | idx(2) | k(2) | m(2) | nextK(1) | nextM(1) |
// dataLen(4) | topicLen(2)+topic | srcLen(2)+src | shard bytes
const shardFixedHeader = 8 + 2 + 2 + 2 + 1 + 1 + 4

type shardHeader struct {
	BlockSeq uint64
	Index    uint16
	Params   Params
	Next     Params
	DataLen  uint32
	Topic    string
	Source   string
}

func (h *shardHeader) size() int {
	return shardFixedHeader + 2 + len(h.Topic) + 2 + len(h.Source)
}

func (h *shardHeader) append(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint64(dst, h.BlockSeq)
	dst = binary.BigEndian.AppendUint16(dst, h.Index)
	dst = binary.BigEndian.AppendUint16(dst, uint16(h.Params.K))
	dst = binary.BigEndian.AppendUint16(dst, uint16(h.Params.M))
	dst = append(dst, byte(h.Next.K), byte(h.Next.M))
	dst = binary.BigEndian.AppendUint32(dst, h.DataLen)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(h.Topic)))
	dst = append(dst, h.Topic...)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(h.Source)))
	dst = append(dst, h.Source...)
	return dst
}

func parseShardHeader(b []byte) (shardHeader, []byte, error) {
	var h shardHeader
	if len(b) < shardFixedHeader+4 {
		return h, nil, fmt.Errorf("%w: shard of %d bytes", wire.ErrTruncated, len(b))
	}
	h.BlockSeq = binary.BigEndian.Uint64(b[0:8])
	h.Index = binary.BigEndian.Uint16(b[8:10])
	h.Params.K = int(binary.BigEndian.Uint16(b[10:12]))
	h.Params.M = int(binary.BigEndian.Uint16(b[12:14]))
	h.Next.K = int(b[14])
	h.Next.M = int(b[15])
	h.DataLen = binary.BigEndian.Uint32(b[16:20])
	rest := b[20:]
	tl := int(binary.BigEndian.Uint16(rest[0:2]))
	rest = rest[2:]
	if len(rest) < tl+2 {
		return h, nil, fmt.Errorf("%w: shard topic", wire.ErrTruncated)
	}
	h.Topic = string(rest[:tl])
	rest = rest[tl:]
	sl := int(binary.BigEndian.Uint16(rest[0:2]))
	rest = rest[2:]
	if len(rest) < sl {
		return h, nil, fmt.Errorf("%w: shard source", wire.ErrTruncated)
	}
	h.Source = string(rest[:sl])
	rest = rest[sl:]
	if err := h.Params.validate(); err != nil {
		return h, nil, err
	}
	if int(h.Index) >= h.Params.Total() {
		return h, nil, fmt.Errorf("fec: shard index %d outside k+m=%d", h.Index, h.Params.Total())
	}
	return h, rest, nil
}

// StreamOf peeks a shard's stream identity without ingesting it, so the
// caller can route it to the right assembler.
func StreamOf(shard []byte) (topic, source string, err error) {
	h, _, err := parseShardHeader(shard)
	if err != nil {
		return "", "", err
	}
	return h.Topic, h.Source, nil
}

// ---- encoder ----

// Encoder turns batches of encoded units into wire shards for one
// (topic, source) stream. Geometry changes requested via SetNext take
// effect at the next block boundary, never mid-block.
type Encoder struct {
	topic   string
	source  string
	cur     Params
	pending Params
	rs      reedsolomon.Encoder
	seq     uint64
}

func NewEncoder(topic, source string, p Params) (*Encoder, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	e := &Encoder{topic: topic, source: source, cur: p, pending: p}
	if err := e.rebuild(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Encoder) rebuild() error {
	if !e.cur.coded() {
		e.rs = nil
		return nil
	}
	rs, err := reedsolomon.New(e.cur.K, e.cur.M)
	if err != nil {
		return fmt.Errorf("fec: %w", err)
	}
	e.rs = rs
	return nil
}

// Params reports the geometry of the next block to be encoded.
func (e *Encoder) Params() Params { return e.cur }

// SetNext schedules a geometry change for the following block.
func (e *Encoder) SetNext(p Params) {
	if p.validate() == nil {
		e.pending = p
	}
}

// Encode codes one block. Fewer than k units is allowed: the block data is
// exactly the packed units, so short blocks waste nothing. Returns the wire
// shards and the block sequence number.
func (e *Encoder) Encode(units [][]byte) ([][]byte, uint64, error) {
	if len(units) == 0 {
		return nil, 0, fmt.Errorf("fec: empty block")
	}
	packed := wire.PackRecords(units)
	if uint64(len(packed)) > math.MaxUint32 {
		return nil, 0, fmt.Errorf("fec: block of %d bytes too large", len(packed))
	}
	blockSeq := e.seq
	e.seq++

	hdr := shardHeader{
		BlockSeq: blockSeq,
		Params:   e.cur,
		Next:     e.pending,
		DataLen:  uint32(len(packed)),
		Topic:    e.topic,
		Source:   e.source,
	}

	var shards [][]byte
	if !e.cur.coded() && e.cur.K == 1 {
		shards = [][]byte{packed}
	} else {
		var err error
		shards, err = e.rs.Split(packed)
		if err != nil {
			return nil, 0, fmt.Errorf("fec: %w", err)
		}
		if err := e.rs.Encode(shards); err != nil {
			return nil, 0, fmt.Errorf("fec: %w", err)
		}
	}

	out := make([][]byte, len(shards))
	for i, sh := range shards {
		hdr.Index = uint16(i)
		buf := make([]byte, 0, hdr.size()+len(sh))
		buf = hdr.append(buf)
		out[i] = append(buf, sh...)
	}

	// Boundary reached: the advertised geometry becomes current.
	if e.pending != e.cur {
		e.cur = e.pending
		if err := e.rebuild(); err != nil {
			return nil, 0, err
		}
	}
	return out, blockSeq, nil
}
