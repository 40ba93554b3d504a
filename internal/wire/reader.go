package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// readerBufSize holds the largest possible frame (a 1023-byte length-prefixed
// control message plus its prefix) several times over.
const readerBufSize = 4096

// maxHandshakeLine caps the handshake line accepted by [Reader.ReadHandshake].
const maxHandshakeLine = 1024

// Reader decodes frames from a byte stream. It is not safe for concurrent
// use; a connection has exactly one reading goroutine.
type Reader struct {
	src  io.Reader
	mode Mode

	buf        []byte
	start, end int
}

// NewReader returns a Reader decoding mode from src.
func NewReader(src io.Reader, mode Mode) *Reader {
	return &Reader{src: src, mode: mode, buf: make([]byte, readerBufSize)}
}

// ReadFrame returns the next complete frame. It blocks on src until a whole
// frame is buffered and never returns a partial one.
//
// A [*ProtocolError] means the bad bytes were skipped and the caller may call
// ReadFrame again. io.EOF means the peer closed cleanly between frames;
// io.ErrUnexpectedEOF means it closed in the middle of one. Other errors come
// straight from src.
func (r *Reader) ReadFrame() (Frame, error) {
	for {
		f, n, err := Parse(r.mode, r.buf[r.start:r.end])
		switch {
		case err == nil:
			r.start += n
			if f.Type == FrameAudio {
				f.Audio = bytes.Clone(f.Audio)
			}
			return f, nil
		case !errors.Is(err, ErrNeedMoreData):
			r.start += n
			return Frame{}, err
		}

		if err := r.fill(); err != nil {
			return Frame{}, err
		}
	}
}

// ReadHandshake consumes the newline-terminated handshake line that opens a
// connection. It is used on the gateway side before the first ReadFrame.
func (r *Reader) ReadHandshake() (Handshake, HandshakeFormat, error) {
	for {
		if i := bytes.IndexByte(r.buf[r.start:r.end], '\n'); i >= 0 {
			line := r.buf[r.start : r.start+i]
			r.start += i + 1
			return ParseHandshake(line)
		}
		if r.end-r.start >= maxHandshakeLine {
			return Handshake{}, 0, fmt.Errorf("wire: handshake line exceeds %d bytes", maxHandshakeLine)
		}
		if err := r.fill(); err != nil {
			return Handshake{}, 0, err
		}
	}
}

// fill reads more bytes from src, compacting the buffer first. A clean EOF
// with nothing buffered is io.EOF; with a partial frame buffered it becomes
// io.ErrUnexpectedEOF.
func (r *Reader) fill() error {
	if r.start > 0 {
		r.end = copy(r.buf, r.buf[r.start:r.end])
		r.start = 0
	}
	if r.end == len(r.buf) {
		return errors.New("wire: frame exceeds read buffer")
	}

	n, err := r.src.Read(r.buf[r.end:])
	r.end += n
	if n > 0 {
		return nil
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) {
		if r.end > r.start {
			return io.ErrUnexpectedEOF
		}
		return io.EOF
	}
	return err
}
