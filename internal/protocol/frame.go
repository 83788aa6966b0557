// Package protocol implements the control-channel wire format: a 4-byte
// big-endian length prefix followed by a UTF-8 JSON message body, and the
// catalog of message types exchanged over that channel.
package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameBytes is the hard cap on a single frame's body size,
// chosen to accommodate base64-encoded 8 KiB file chunks with headroom.
const DefaultMaxFrameBytes = 32 * 1024 * 1024

// lengthPrefixSize is the width of the frame's length prefix in bytes.
const lengthPrefixSize = 4

// ErrFrameTooLarge is returned by Decoder.ReadFrame when a frame's declared
// length exceeds the configured maximum.
var ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")

// Decoder reads length-prefixed frames from a byte stream.
//
// A partial frame at end-of-stream is a clean end condition: ReadFrame
// returns io.EOF with no error wrapping so callers can distinguish a
// graceful close from a protocol violation.
type Decoder struct {
	r       *bufio.Reader
	maxSize int
}

// NewDecoder returns a Decoder bounded by maxSize bytes per frame body.
// A maxSize of 0 selects DefaultMaxFrameBytes.
func NewDecoder(r io.Reader, maxSize int) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameBytes
	}
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024), maxSize: maxSize}
}

// ReadFrame blocks until one full frame is available, then returns its body.
// It returns io.EOF if the stream ends before a full frame arrives, whether
// no bytes of a new frame or only part of one were read.
func (d *Decoder) ReadFrame() ([]byte, error) {
	var lenBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(d.r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("protocol: read length prefix: %w", err)
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if int(n) > d.maxSize {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(d.r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("protocol: read frame body: %w", err)
	}
	return body, nil
}

// Encode prepends a 4-byte big-endian length prefix to body and returns the
// resulting frame, ready to write to the stream.
func Encode(body []byte) []byte {
	frame := make([]byte, lengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(frame[:lengthPrefixSize], uint32(len(body)))
	copy(frame[lengthPrefixSize:], body)
	return frame
}
