// Package wire implements the byte-exact envelope codec. The layout is the
// compatibility contract between two ends of a link: big-endian integers,
// length-prefixed variable fields, magic and version up front.
//
//	0..1   Magic   0xAA 0xBB
//	2      Version 0x01
//	3..6   Body length u32
//	body:  id[16]
//	       ts     (u16 len + RFC3339Nano, UTC)
//	       schema u32
//	       prio   u8
//	       topic  (u16 len + bytes)
//	       payload(u32 len + bytes)
//	       source (u16 len + bytes)
//	       seq    u32
//	       frag   u8 presence flag
//	       [fragID u32, total u32, offset u32, length u32, msgID[16]]
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/AllanDBB/ARIA/pkg/envelope"
)

const (
	Version    = 0x01
	headerSize = 7
)

var magic = [2]byte{0xAA, 0xBB}

var (
	// ErrMalformed reports bad magic, an unsupported version, or a field
	// that contradicts its declared length.
	ErrMalformed = errors.New("wire: malformed input")
	// ErrTruncated reports fewer available bytes than declared.
	ErrTruncated = errors.New("wire: truncated input")
)

// Encode serializes an envelope. The envelope is not mutated.
func Encode(e *envelope.Envelope) ([]byte, error) {
	if e.Topic == "" {
		return nil, fmt.Errorf("%w: empty topic", ErrMalformed)
	}
	if !e.Priority.Valid() {
		return nil, fmt.Errorf("%w: priority %d", ErrMalformed, e.Priority)
	}
	ts := e.Timestamp.UTC().Format(time.RFC3339Nano)
	if len(ts) > math.MaxUint16 || len(e.Topic) > math.MaxUint16 ||
		len(e.Metadata.SourceNode) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: oversized field", ErrMalformed)
	}
	if uint64(len(e.Payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: oversized payload", ErrMalformed)
	}

	body := make([]byte, 0, 64+len(ts)+len(e.Topic)+len(e.Payload)+len(e.Metadata.SourceNode))
	body = append(body, e.ID[:]...)
	body = appendString16(body, ts)
	body = binary.BigEndian.AppendUint32(body, e.SchemaID)
	body = append(body, byte(e.Priority))
	body = appendString16(body, e.Topic)
	body = binary.BigEndian.AppendUint32(body, uint32(len(e.Payload)))
	body = append(body, e.Payload...)
	body = appendString16(body, e.Metadata.SourceNode)
	body = binary.BigEndian.AppendUint32(body, e.Metadata.SequenceNumber)
	if fi := e.Metadata.Fragment; fi != nil {
		body = append(body, 0x01)
		body = binary.BigEndian.AppendUint32(body, fi.FragmentID)
		body = binary.BigEndian.AppendUint32(body, fi.TotalFragments)
		body = binary.BigEndian.AppendUint32(body, fi.Offset)
		body = binary.BigEndian.AppendUint32(body, fi.Length)
		body = append(body, fi.MessageID[:]...)
	} else {
		body = append(body, 0x00)
	}

	out := make([]byte, 0, headerSize+len(body))
	out = append(out, magic[0], magic[1], Version)
	out = binary.BigEndian.AppendUint32(out, uint32(len(body)))
	out = append(out, body...)
	return out, nil
}

// Decode reconstructs an envelope. The returned envelope shares no memory
// with data.
func Decode(data []byte) (*envelope.Envelope, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes, want header of %d", ErrTruncated, len(data), headerSize)
	}
	if data[0] != magic[0] || data[1] != magic[1] {
		return nil, fmt.Errorf("%w: bad magic %02x%02x", ErrMalformed, data[0], data[1])
	}
	if data[2] != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, data[2])
	}
	bodyLen := int(binary.BigEndian.Uint32(data[3:7]))
	if len(data)-headerSize < bodyLen {
		return nil, fmt.Errorf("%w: declared %d body bytes, have %d", ErrTruncated, bodyLen, len(data)-headerSize)
	}
	d := &decoder{buf: data[headerSize : headerSize+bodyLen]}

	var e envelope.Envelope
	id, err := d.bytes(16)
	if err != nil {
		return nil, err
	}
	copy(e.ID[:], id)

	ts, err := d.string16()
	if err != nil {
		return nil, err
	}
	e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("%w: timestamp %q", ErrMalformed, ts)
	}

	if e.SchemaID, err = d.u32(); err != nil {
		return nil, err
	}
	prio, err := d.u8()
	if err != nil {
		return nil, err
	}
	e.Priority = envelope.Priority(prio)
	if !e.Priority.Valid() {
		return nil, fmt.Errorf("%w: priority %d", ErrMalformed, prio)
	}
	if e.Topic, err = d.string16(); err != nil {
		return nil, err
	}
	if e.Topic == "" {
		return nil, fmt.Errorf("%w: empty topic", ErrMalformed)
	}
	plen, err := d.u32()
	if err != nil {
		return nil, err
	}
	payload, err := d.bytes(int(plen))
	if err != nil {
		return nil, err
	}
	e.Payload = append([]byte(nil), payload...)
	if e.Metadata.SourceNode, err = d.string16(); err != nil {
		return nil, err
	}
	if e.Metadata.SequenceNumber, err = d.u32(); err != nil {
		return nil, err
	}
	hasFrag, err := d.u8()
	if err != nil {
		return nil, err
	}
	switch hasFrag {
	case 0x00:
	case 0x01:
		fi := &envelope.FragmentInfo{}
		if fi.FragmentID, err = d.u32(); err != nil {
			return nil, err
		}
		if fi.TotalFragments, err = d.u32(); err != nil {
			return nil, err
		}
		if fi.Offset, err = d.u32(); err != nil {
			return nil, err
		}
		if fi.Length, err = d.u32(); err != nil {
			return nil, err
		}
		mid, err := d.bytes(16)
		if err != nil {
			return nil, err
		}
		copy(fi.MessageID[:], mid)
		e.Metadata.Fragment = fi
	default:
		return nil, fmt.Errorf("%w: fragment presence flag %d", ErrMalformed, hasFrag)
	}
	if d.off != len(d.buf) {
		return nil, fmt.Errorf("%w: %d trailing body bytes", ErrMalformed, len(d.buf)-d.off)
	}
	return &e, nil
}

type decoder struct {
	buf []byte
	off int
}

func (d *decoder) bytes(n int) ([]byte, error) {
	if len(d.buf)-d.off < n {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrTruncated, n, d.off, len(d.buf)-d.off)
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) u8() (byte, error) {
	b, err := d.bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) u32() (uint32, error) {
	b, err := d.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *decoder) string16() (string, error) {
	lb, err := d.bytes(2)
	if err != nil {
		return "", err
	}
	b, err := d.bytes(int(binary.BigEndian.Uint16(lb)))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func appendString16(dst []byte, s string) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(s)))
	return append(dst, s...)
}
