package frame

import (
	"encoding/binary"
	"math"
)

// Wire layout, little-endian, no padding:
//
//	sync(2) | frame_id(u16) | timestamp_ms(u32) | values(N×f32) | checksum(u16)
//
// The checksum covers frame_id, timestamp and values only.
const (
	SyncSize      = 2
	IDSize        = 2
	TimestampSize = 4
	ValueSize     = 4
	ChecksumSize  = 2

	headerSize = SyncSize + IDSize + TimestampSize
)

// Sync is the literal marker at the start of every frame.
var Sync = [SyncSize]byte{0xAA, 0x55}

// Layout fixes how many nodes and channels per node a frame carries.
// Both ends of the link must agree on it; the frame has no version field.
type Layout struct {
	Nodes    int
	Channels int
}

// DefaultLayout is six nodes of (x, y, z, temperature).
var DefaultLayout = Layout{Nodes: 6, Channels: 4}

// Size is the default frame size on the wire (106 bytes).
var Size = DefaultLayout.Size()

// Values returns the number of floats in a frame.
func (l Layout) Values() int { return l.Nodes * l.Channels }

// Size returns the serialized frame size in bytes.
func (l Layout) Size() int {
	return headerSize + l.Values()*ValueSize + ChecksumSize
}

// Frame is one decoded sampling cycle of all nodes.
type Frame struct {
	ID        uint16    `json:"id"`
	Timestamp uint32    `json:"timestampMs"`
	Values    []float32 `json:"values"`

	channels int
}

// Node returns the channel values of node i, or nil if i is out of range.
func (f *Frame) Node(i int) []float32 {
	ch := f.channels
	if ch == 0 {
		ch = DefaultLayout.Channels
	}
	if i < 0 || (i+1)*ch > len(f.Values) {
		return nil
	}
	return f.Values[i*ch : (i+1)*ch]
}

// Nodes returns the number of nodes in the frame.
func (f *Frame) Nodes() int {
	ch := f.channels
	if ch == 0 {
		ch = DefaultLayout.Channels
	}
	return len(f.Values) / ch
}

// Checksum16 is the additive byte sum modulo 65536. It is not a CRC and
// misses transpositions, but the device computes exactly this.
func Checksum16(b []byte) uint16 {
	var sum uint16
	for _, c := range b {
		sum += uint16(c)
	}
	return sum
}

// Encode serializes a frame using the default layout.
func Encode(id uint16, ts uint32, values []float32) ([]byte, error) {
	return DefaultLayout.Encode(id, ts, values)
}

// Decode parses a frame using the default layout.
func Decode(b []byte) (*Frame, error) {
	return DefaultLayout.Decode(b)
}

// Encode serializes a frame. The only failure is a wrong value count.
func (l Layout) Encode(id uint16, ts uint32, values []float32) ([]byte, error) {
	if len(values) != l.Values() {
		return nil, &ValueCountError{Got: len(values), Want: l.Values()}
	}
	buf := make([]byte, l.Size())
	copy(buf, Sync[:])
	binary.LittleEndian.PutUint16(buf[2:4], id)
	binary.LittleEndian.PutUint32(buf[4:8], ts)
	off := headerSize
	for _, v := range values {
		binary.LittleEndian.PutUint32(buf[off:off+ValueSize], math.Float32bits(v))
		off += ValueSize
	}
	binary.LittleEndian.PutUint16(buf[off:], Checksum16(buf[SyncSize:off]))
	return buf, nil
}

// Decode parses and verifies a frame. Any mismatch rejects the whole buffer.
func (l Layout) Decode(b []byte) (*Frame, error) {
	size := l.Size()
	if len(b) != size {
		return nil, &DecodeError{Kind: SizeMismatch, Got: len(b), Want: size}
	}
	if b[0] != Sync[0] || b[1] != Sync[1] {
		return nil, &DecodeError{Kind: BadSync, Got: int(binary.BigEndian.Uint16(b[:2])), Want: 0xAA55}
	}
	end := size - ChecksumSize
	want := binary.LittleEndian.Uint16(b[end:])
	if got := Checksum16(b[SyncSize:end]); got != want {
		return nil, &DecodeError{Kind: BadChecksum, Got: int(got), Want: int(want)}
	}

	f := &Frame{
		ID:        binary.LittleEndian.Uint16(b[2:4]),
		Timestamp: binary.LittleEndian.Uint32(b[4:8]),
		Values:    make([]float32, l.Values()),
		channels:  l.Channels,
	}
	off := headerSize
	for i := range f.Values {
		f.Values[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[off : off+ValueSize]))
		off += ValueSize
	}
	return f, nil
}
