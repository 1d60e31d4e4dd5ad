package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// headerSize is the length prefix of every frame.
const headerSize = 4

// DefaultMaxFrameBytes bounds the declared frame length (code byte plus payload).
const DefaultMaxFrameBytes = 8 * 1024 * 1024

// Frame is one length-prefixed unit of the wire protocol. Code holds an
// Opcode for client frames and a Status (or OpPushEvent) for server frames.
type Frame struct {
	Code    byte
	Payload []byte
}

// ReadFrame reads a single frame from r. A declared length of zero or above
// maxFrame is reported as ErrEmptyFrame or ErrFrameTooLarge without reading
// the body; the caller is expected to close the stream.
func ReadFrame(r io.Reader, maxFrame uint32) (Frame, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}

	n := binary.LittleEndian.Uint32(hdr[:])
	if n == 0 {
		return Frame{}, ErrEmptyFrame
	}
	if n > maxFrame {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, maxFrame)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}

	return Frame{Code: body[0], Payload: body[1:]}, nil
}

// AppendFrame appends the encoded frame to dst.
func AppendFrame(dst []byte, code byte, payload []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(1+len(payload)))
	dst = append(dst, code)
	return append(dst, payload...)
}

// WriteFrame writes one frame to w with a single Write call.
func WriteFrame(w io.Writer, code byte, payload []byte) error {
	buf := AppendFrame(make([]byte, 0, headerSize+1+len(payload)), code, payload)
	_, err := w.Write(buf)
	return err
}

// WriteRequest writes a client request frame.
func WriteRequest(w io.Writer, op Opcode, payload []byte) error {
	return WriteFrame(w, byte(op), payload)
}

// WriteResponse writes a server response frame.
func WriteResponse(w io.Writer, st Status, payload []byte) error {
	return WriteFrame(w, byte(st), payload)
}
