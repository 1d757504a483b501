package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/gopacket/gopacket"
)

var (
	ErrTruncated   = errors.New("rpl: message truncated")
	ErrBadOption   = errors.New("rpl: malformed option")
	ErrUnknownCode = errors.New("rpl: unknown control message code")
)

// Writer appends big-endian fields to a growable buffer.
// Option lengths are back-patched by EndOption, so callers never compute them by hand.
type Writer struct {
	buf gopacket.SerializeBuffer
	err error
}

func NewWriter() *Writer {
	return &Writer{buf: gopacket.NewSerializeBuffer()}
}

func (w *Writer) grow(n int) []byte {
	if w.err != nil {
		return make([]byte, n)
	}
	b, err := w.buf.AppendBytes(n)
	if err != nil {
		w.err = err
		return make([]byte, n)
	}
	return b
}

func (w *Writer) U8(v uint8) {
	w.grow(1)[0] = v
}

func (w *Writer) U16(v uint16) {
	binary.BigEndian.PutUint16(w.grow(2), v)
}

func (w *Writer) U32(v uint32) {
	binary.BigEndian.PutUint32(w.grow(4), v)
}

func (w *Writer) Bytes(b []byte) {
	copy(w.grow(len(b)), b)
}

func (w *Writer) Zero(n int) {
	clear(w.grow(n))
}

func (w *Writer) Addr(a netip.Addr) {
	b := a.As16()
	w.Bytes(b[:])
}

// PrefixBytes writes the leading ceil(bits/8) octets of p.
func (w *Writer) PrefixBytes(p netip.Prefix) {
	b := p.Addr().As16()
	w.Bytes(b[:prefixOctets(p.Bits())])
}

func (w *Writer) Len() int {
	return len(w.buf.Bytes())
}

// BeginOption writes the option type and a placeholder length, returning a mark for EndOption.
func (w *Writer) BeginOption(typ uint8) int {
	w.U8(typ)
	mark := w.Len()
	w.U8(0)
	return mark
}

// EndOption patches the length octet reserved at mark with the bytes written since.
func (w *Writer) EndOption(mark int) {
	if w.err != nil {
		return
	}
	n := w.Len() - mark - 1
	if n > 0xFF {
		w.err = fmt.Errorf("%w: option body of %d bytes", ErrBadOption, n)
		return
	}
	w.buf.Bytes()[mark] = uint8(n)
}

// Finish returns the encoded bytes, or the first error encountered while writing.
func (w *Writer) Finish() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	out := make([]byte, w.Len())
	copy(out, w.buf.Bytes())
	return out, nil
}

// Reader is a bounds-checked cursor. The first overrun latches ErrTruncated and
// every later read returns zero values.
type Reader struct {
	data []byte
	off  int
	err  error
}

func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = ErrTruncated
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) U8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) U16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *Reader) U32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *Reader) Skip(n int) {
	r.take(n)
}

func (r *Reader) Addr() netip.Addr {
	b := r.take(16)
	if b == nil {
		return netip.Addr{}
	}
	return netip.AddrFrom16([16]byte(b))
}

// Prefix reads n octets of prefix material and returns it as a prefix of the given length.
// Bits past the length are kept so that an R-flagged address survives.
func (r *Reader) Prefix(bits uint8, n int) (netip.Prefix, error) {
	if bits > 128 || n > 16 || n < prefixOctets(int(bits)) {
		r.take(n)
		return netip.Prefix{}, ErrBadOption
	}
	b := r.take(n)
	if b == nil {
		return netip.Prefix{}, ErrTruncated
	}
	var a [16]byte
	copy(a[:], b)
	return netip.PrefixFrom(netip.AddrFrom16(a), int(bits)), nil
}

func (r *Reader) Remaining() int {
	return len(r.data) - r.off
}

func (r *Reader) Err() error {
	return r.err
}

// Option is a single TLV with its body sliced from the message.
type Option struct {
	Type uint8
	Body []byte
}

// NextOption returns the next option, skipping Pad1/PadN. ok is false at the end of
// the options or when the remaining bytes do not form a well-formed option, in which
// case Err reports ErrTruncated.
func (r *Reader) NextOption() (opt Option, ok bool) {
	for r.err == nil && r.Remaining() > 0 {
		typ := r.U8()
		if typ == OptPad1 {
			continue
		}
		length := r.U8()
		body := r.take(int(length))
		if r.err != nil {
			return Option{}, false
		}
		if typ == OptPadN {
			continue
		}
		return Option{Type: typ, Body: body}, true
	}
	return Option{}, false
}

func prefixOctets(bits int) int {
	return (bits + 7) / 8
}
