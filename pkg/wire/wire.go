// Package wire implements the fixed-order framed record stream netfork
// ships a snapshot over: a ThreadContext, a ProcessBlock, a ThreadBlock, an
// image size, the image bytes, then zero or more (RegionInfo, N x
// SubregionInfo, optional subregion bytes) groups.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"unsafe"
)

// RegionInfo describes one VirtualQuery allocation, matching the field order
// and sizes of the original region_info wire struct: pointer-sized base
// address, 32-bit protection flags (with implicit padding to the next 8-byte
// boundary), then two size_t counters.
type RegionInfo struct {
	BaseAddress       uintptr
	Protect           uint32
	_                 uint32
	AllocationSize    uint64
	SubregionInfoSize uint64
}

// SubregionInfo describes one contiguous protection range within a region.
type SubregionInfo struct {
	BaseAddress uintptr
	RegionSize  uint64
	Protect     uint32
	_           uint32
}

// SendAs writes the raw in-memory bytes of v, exactly as the original
// bit_cast-based send_as did: no framing, no length prefix, just sizeof(T)
// bytes in host layout and endianness.
func SendAs[T any](w io.Writer, v *T) error {
	buf := unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v))
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("send_as: %w", err)
	}
	return nil
}

// RecvAs reads sizeof(T) bytes into a freshly zeroed T, failing if the
// stream closes before the full record arrives.
func RecvAs[T any](r io.Reader) (T, error) {
	var v T
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&v)), unsafe.Sizeof(v))
	if _, err := io.ReadFull(r, buf); err != nil {
		return v, fmt.Errorf("recv_as: %w", err)
	}
	return v, nil
}

// SendBytes writes a raw, unframed byte payload (image bytes, subregion
// contents) with no length prefix of its own; the caller has already sent
// (or will send) the length out-of-band per the wire grammar.
func SendBytes(w io.Writer, b []byte) error {
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("send_bytes: %w", err)
	}
	return nil
}

// RecvBytes reads exactly n bytes, failing on a short stream.
func RecvBytes(r io.Reader, n uint64) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("recv_bytes: %w", err)
	}
	return buf, nil
}

// SendUint32 and RecvUint32 frame the lone scalar in the grammar, ImageSize,
// using the stream's native byte order rather than a raw memory blit, since
// a bare uint32 has no struct padding to preserve.
func SendUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.NativeEndian.PutUint32(buf[:], v)
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("send_uint32: %w", err)
	}
	return nil
}

func RecvUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("recv_uint32: %w", err)
	}
	return binary.NativeEndian.Uint32(buf[:]), nil
}
