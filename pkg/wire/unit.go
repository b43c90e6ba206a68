package wire

import (
	"encoding/binary"
	"fmt"
)

// Unit flag bits. The flags byte travels with every encoded unit so the
// receive side can undo exactly the transforms the transmit side applied.
const (
	UnitFlagDelta      byte = 1 << 0 // body is a delta against the previous unit
	UnitFlagCompressed byte = 1 << 1 // body is compressed
)

const unitHeaderSize = 5

// Unit is the record form of an encoded envelope travelling between the
// codec stages and the FEC layer: flags(1) | seq(4 BE) | body.
type Unit struct {
	Flags byte
	Seq   uint32
	Body  []byte
}

// AppendUnit appends the record form of u to dst.
func AppendUnit(dst []byte, u Unit) []byte {
	dst = append(dst, u.Flags)
	dst = binary.BigEndian.AppendUint32(dst, u.Seq)
	return append(dst, u.Body...)
}

// ParseUnit parses a record produced by AppendUnit. The body aliases b.
func ParseUnit(b []byte) (Unit, error) {
	if len(b) < unitHeaderSize {
		return Unit{}, fmt.Errorf("%w: unit record of %d bytes", ErrTruncated, len(b))
	}
	return Unit{
		Flags: b[0],
		Seq:   binary.BigEndian.Uint32(b[1:5]),
		Body:  b[unitHeaderSize:],
	}, nil
}

// PackRecords concatenates records with u32 big-endian length prefixes.
// FEC blocks carry their k units in this form.
func PackRecords(records [][]byte) []byte {
	n := 0
	for _, r := range records {
		n += 4 + len(r)
	}
	out := make([]byte, 0, n)
	for _, r := range records {
		out = binary.BigEndian.AppendUint32(out, uint32(len(r)))
		out = append(out, r...)
	}
	return out
}

// UnpackRecords reverses PackRecords. Returned slices alias b.
func UnpackRecords(b []byte) ([][]byte, error) {
	var out [][]byte
	for len(b) > 0 {
		if len(b) < 4 {
			return nil, fmt.Errorf("%w: record length prefix", ErrTruncated)
		}
		n := int(binary.BigEndian.Uint32(b[:4]))
		b = b[4:]
		if len(b) < n {
			return nil, fmt.Errorf("%w: record of %d bytes, have %d", ErrTruncated, n, len(b))
		}
		out = append(out, b[:n])
		b = b[n:]
	}
	return out, nil
}
