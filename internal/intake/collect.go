// Package intake turns the raw bytes of an accepted SMTP transaction into a
// stored Email and its Summary.
package intake

import (
	"bytes"
	"errors"
	"io"
)

var ErrSizeExceeded = errors.New("message exceeds fixed maximum message size")

const chunkSize = 32 << 10

// Collect reads r to EOF in chunks, checking the running total after every
// chunk. Once the total passes limit the buffer is dropped and
// ErrSizeExceeded returned; the rest of r is left unread. A limit of zero or
// less disables the check.
func Collect(r io.Reader, limit int64) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, chunkSize)
	var total int64
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			total += int64(n)
			if limit > 0 && total > limit {
				return nil, ErrSizeExceeded
			}
			buf.Write(chunk[:n])
		}
		if errors.Is(err, io.EOF) {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
	}
}
