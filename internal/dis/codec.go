// Package dis implements the DIS (Data Is Strings) wire protocol used by PBS/TORQUE.
//
// Numbers are written as a recursive digit-count chain, a sign and the
// decimal digits: 5 -> "+5", 15 -> "2+15", 1234567890 -> "210+1234567890".
// Strings are an unsigned length followed by the raw bytes.
package dis

import (
	"bufio"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

// ErrNegative is returned when an unsigned read meets a '-' sign.
var ErrNegative = errors.New("dis: unexpected negative value")

// maxStringLen bounds string allocations driven by peer-supplied lengths.
const maxStringLen = 1 << 24

// Reader reads DIS-encoded data from a stream.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r in a buffered DIS reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// readSigned decodes one number whose digit count is ndigs. A leading digit
// is itself a count for the next level of the chain.
func (r *Reader) readSigned(ndigs int) (uint64, bool, error) {
	for {
		c, err := r.r.ReadByte()
		if err != nil {
			return 0, false, err
		}
		switch {
		case c == '+' || c == '-':
			v, err := r.readDigits(ndigs)
			return v, c == '-', err
		case c >= '1' && c <= '9':
			if err := r.r.UnreadByte(); err != nil {
				return 0, false, err
			}
			next, err := r.readDigits(ndigs)
			if err != nil {
				return 0, false, err
			}
			ndigs = int(next)
		case c == '0':
			return 0, false, errors.New("dis: leading zero in count")
		default:
			return 0, false, errors.Errorf("dis: unexpected byte 0x%02x", c)
		}
	}
}

func (r *Reader) readDigits(n int) (uint64, error) {
	if n <= 0 || n > 20 {
		return 0, errors.Errorf("dis: bad digit count %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(string(buf), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "dis: parse digits %q", buf)
	}
	return v, nil
}

// ReadUint reads an unsigned integer.
func (r *Reader) ReadUint() (uint64, error) {
	v, neg, err := r.readSigned(1)
	if err != nil {
		return 0, errors.Wrap(err, "dis: ReadUint")
	}
	if neg {
		return 0, ErrNegative
	}
	return v, nil
}

// ReadInt reads a signed integer.
func (r *Reader) ReadInt() (int64, error) {
	v, neg, err := r.readSigned(1)
	if err != nil {
		return 0, errors.Wrap(err, "dis: ReadInt")
	}
	if neg {
		return -int64(v), nil
	}
	return int64(v), nil
}

// ReadString reads a length-prefixed string.
func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadUint()
	if err != nil {
		return "", errors.Wrap(err, "dis: ReadString length")
	}
	if n == 0 {
		return "", nil
	}
	if n > maxStringLen {
		return "", errors.Errorf("dis: string length %d too large", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return "", errors.Wrap(err, "dis: ReadString data")
	}
	return string(buf), nil
}

// Writer writes DIS-encoded data to a stream. Nothing reaches the
// underlying writer until Flush.
type Writer struct {
	w *bufio.Writer
}

// NewWriter wraps w in a buffered DIS writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

func (w *Writer) writeNumber(sign byte, digits string) error {
	prefix := string(sign)
	for n := len(digits); n > 1; {
		count := strconv.Itoa(n)
		prefix = count + prefix
		n = len(count)
	}
	if _, err := w.w.WriteString(prefix); err != nil {
		return err
	}
	_, err := w.w.WriteString(digits)
	return err
}

// WriteUint writes an unsigned integer.
func (w *Writer) WriteUint(v uint64) error {
	return w.writeNumber('+', strconv.FormatUint(v, 10))
}

// WriteInt writes a signed integer.
func (w *Writer) WriteInt(v int64) error {
	if v < 0 {
		return w.writeNumber('-', strconv.FormatUint(uint64(-v), 10))
	}
	return w.writeNumber('+', strconv.FormatInt(v, 10))
}

// WriteString writes a length-prefixed string.
func (w *Writer) WriteString(s string) error {
	if err := w.WriteUint(uint64(len(s))); err != nil {
		return err
	}
	_, err := w.w.WriteString(s)
	return err
}

// Flush flushes the write buffer.
func (w *Writer) Flush() error {
	return w.w.Flush()
}
