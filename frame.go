package cmdsock

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Frame is one application-level message: a code byte followed by a
// handler-defined payload.
//
// Wire layout:
//
//	byte 0      code
//	bytes 1..N  payload
//	  string  := int32 length (little-endian) + UTF-8 bytes
//	  blob    := int32 length (little-endian) + raw bytes
//	  numbers := fixed width, little-endian
//
// There is no outer length prefix: the handler bound to the code consumes
// exactly the fields it expects.
type Frame struct {
	Code    Code
	Payload []byte
}

// Bytes returns the wire form of the frame.
func (f Frame) Bytes() []byte {
	buf := make([]byte, 1+len(f.Payload))
	buf[0] = byte(f.Code)
	copy(buf[1:], f.Payload)
	return buf
}

// Encode writes code followed by whatever build writes. build may be nil for
// frames without payload.
func Encode(code Code, build func(w *Writer) error) ([]byte, error) {
	w := NewWriter()
	w.WriteUint8(uint8(code))
	if build != nil {
		if err := build(w); err != nil {
			return nil, errors.Wrapf(err, "encode code %d", code)
		}
	}
	return w.Bytes(), nil
}

// Decode splits raw into its code and a Reader positioned on the payload.
func Decode(raw []byte) (Code, *Reader, error) {
	if len(raw) == 0 {
		return 0, nil, errors.WithMessage(ErrMalformedFrame, "empty frame")
	}
	return Code(raw[0]), NewReader(bytes.NewReader(raw[1:])), nil
}

// DecodeFrame is Decode for callers that want the payload as bytes.
func DecodeFrame(raw []byte) (Frame, error) {
	if len(raw) == 0 {
		return Frame{}, errors.WithMessage(ErrMalformedFrame, "empty frame")
	}
	payload := make([]byte, len(raw)-1)
	copy(payload, raw[1:])
	return Frame{Code: Code(raw[0]), Payload: payload}, nil
}

// Writer builds a payload. Writes to the underlying buffer cannot fail.
type Writer struct {
	buf bytes.Buffer
	tmp [8]byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) WriteUint8(v uint8) {
	w.buf.WriteByte(v)
}

func (w *Writer) WriteBool(v bool) {
	if v {
		w.buf.WriteByte(1)
		return
	}
	w.buf.WriteByte(0)
}

func (w *Writer) WriteInt32(v int32) {
	w.WriteUint32(uint32(v))
}

func (w *Writer) WriteUint32(v uint32) {
	binary.LittleEndian.PutUint32(w.tmp[:4], v)
	w.buf.Write(w.tmp[:4])
}

func (w *Writer) WriteInt64(v int64) {
	w.WriteUint64(uint64(v))
}

func (w *Writer) WriteUint64(v uint64) {
	binary.LittleEndian.PutUint64(w.tmp[:8], v)
	w.buf.Write(w.tmp[:8])
}

// WriteString writes a length-prefixed UTF-8 string.
func (w *Writer) WriteString(s string) {
	w.WriteInt32(int32(len(s)))
	w.buf.WriteString(s)
}

// WriteBlob writes length-prefixed raw bytes.
func (w *Writer) WriteBlob(b []byte) {
	w.WriteInt32(int32(len(b)))
	w.buf.Write(b)
}

// WriteBytes writes b as is, without a length prefix.
func (w *Writer) WriteBytes(b []byte) {
	w.buf.Write(b)
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return w.buf.Len()
}

// Bytes returns the written bytes.
func (w *Writer) Bytes() []byte {
	return w.buf.Bytes()
}

// Reader consumes payload fields from a byte slice or from a live
// connection stream.
type Reader struct {
	r        io.Reader
	maxField int
	skip     func()
	tmp      [8]byte
}

// NewReader wraps r. Length-prefixed fields longer than the default maximum
// message size are rejected.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, maxField: defaultMaxPackageLength}
}

func newStreamReader(r io.Reader, maxField int, skip func()) *Reader {
	return &Reader{r: r, maxField: maxField, skip: skip}
}

// Skip drops the rest of the current payload when its layout is unknown.
// On a byte slice that is everything left; on a connection stream it is
// whatever the peer has sent so far.
func (r *Reader) Skip() {
	if r.skip != nil {
		r.skip()
		return
	}
	_, _ = io.Copy(io.Discard, r.r)
}

// ReadFull reads exactly n raw bytes.
func (r *Reader) ReadFull(n int) ([]byte, error) {
	if n < 0 || n > r.maxField {
		return nil, errors.Wrapf(ErrMalformedFrame, "field length %d out of range", n)
	}
	buf := make([]byte, n)
	if err := r.fill(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (r *Reader) fill(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if _, err := io.ReadFull(r.r, p); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return &payloadError{cause: err}
		}
		return err
	}
	return nil
}

func (r *Reader) ReadUint8() (uint8, error) {
	if err := r.fill(r.tmp[:1]); err != nil {
		return 0, err
	}
	return r.tmp[0], nil
}

func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadUint8()
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, errors.Wrapf(ErrMalformedFrame, "invalid bool value %d", v)
	}
}

func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

func (r *Reader) ReadUint32() (uint32, error) {
	if err := r.fill(r.tmp[:4]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(r.tmp[:4]), nil
}

func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

func (r *Reader) ReadUint64() (uint64, error) {
	if err := r.fill(r.tmp[:8]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(r.tmp[:8]), nil
}

func (r *Reader) readLength() (int, error) {
	n, err := r.ReadInt32()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.Wrapf(ErrMalformedFrame, "negative field length %d", n)
	}
	return int(n), nil
}

// ReadString reads a length-prefixed UTF-8 string.
func (r *Reader) ReadString() (string, error) {
	n, err := r.readLength()
	if err != nil {
		return "", err
	}
	b, err := r.ReadFull(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadBlob reads length-prefixed raw bytes.
func (r *Reader) ReadBlob() ([]byte, error) {
	n, err := r.readLength()
	if err != nil {
		return nil, err
	}
	return r.ReadFull(n)
}
