// Package limitio bounds the number of bytes read from a stream.
package limitio

import (
	"errors"
	"io"
)

var ErrLimitExceeded = errors.New("read limit exceeded")

type readCloser struct {
	read  int64
	limit int64
	r     io.ReadCloser
}

// ReadCloser returns at most limit bytes of rc.
// If rc holds more than limit bytes, the read that would cross the limit
// fails with ErrLimitExceeded instead of returning io.EOF.
func ReadCloser(rc io.ReadCloser, limit int64) io.ReadCloser {
	return &readCloser{0, limit, rc}
}

var _ io.ReadCloser = (*readCloser)(nil)

func (r *readCloser) Read(b []byte) (int, error) {

	if len(b) == 0 {
		return 0, nil
	}

	if r.read == r.limit {
		var probe [1]byte
		n, err := io.ReadFull(r.r, probe[:])
		if n > 0 {
			return 0, ErrLimitExceeded
		}
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return 0, err
	}

	if r.read+int64(len(b)) >= r.limit {
		b = b[:int(r.limit-r.read)]
	}

	readN, err := r.r.Read(b)
	r.read += int64(readN)
	return readN, err
}

func (r *readCloser) Close() error { return r.r.Close() }
