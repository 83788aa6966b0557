// Package relay implements the UDP media relay: parsing the video/audio
// datagram headers, tracking each participant's current source address,
// and fanning datagrams out to the rest of a meeting's admitted set. It
// is grounded on the teacher's room.go Broadcast (snapshot targets under
// RLock, release, per-target circuit breaker) and client.go's
// readDatagrams, generalized from WebTransport session datagrams to raw
// net.PacketConn reads/writes.
package relay

import (
	"encoding/binary"
	"errors"
)

// Media kind tags, the first byte of every datagram.
const (
	KindVideo byte = 0x01
	KindAudio byte = 0x02
)

// Header sizes, in bytes, before the payload.
const (
	videoHeaderSize = 1 + 4 + 4 + 8 + 4 + 2 + 2 + 4
	audioHeaderSize = 1 + 4 + 4 + 8 + 2 + 1 + 4
)

// MaxDatagramSize bounds a single UDP read; larger datagrams are dropped
// as malformed.
const MaxDatagramSize = 2048

var (
	errTooShort      = errors.New("relay: datagram shorter than its header")
	errUnknownKind   = errors.New("relay: unrecognized media kind byte")
	errLengthMismatch = errors.New("relay: declared payload length does not match datagram size")
)

// VideoHeader is the parsed fixed header of a video datagram.
type VideoHeader struct {
	ParticipantID uint32
	FrameID       uint32
	TimestampUs   uint64
	Seq           uint32
	Width         uint16
	Height        uint16
	PayloadLen    uint32
}

// AudioHeader is the parsed fixed header of an audio datagram.
type AudioHeader struct {
	ParticipantID uint32
	AudioID       uint32
	TimestampUs   uint64
	SampleRate    uint16
	Channels      uint8
	PayloadLen    uint32
}

// ParseVideoHeader parses buf per the 29-byte video header layout. buf
// must start at the kind byte and include the full datagram.
func ParseVideoHeader(buf []byte) (VideoHeader, error) {
	var h VideoHeader
	if len(buf) < videoHeaderSize {
		return h, errTooShort
	}
	if buf[0] != KindVideo {
		return h, errUnknownKind
	}
	h.ParticipantID = binary.BigEndian.Uint32(buf[1:5])
	h.FrameID = binary.BigEndian.Uint32(buf[5:9])
	h.TimestampUs = binary.BigEndian.Uint64(buf[9:17])
	h.Seq = binary.BigEndian.Uint32(buf[17:21])
	h.Width = binary.BigEndian.Uint16(buf[21:23])
	h.Height = binary.BigEndian.Uint16(buf[23:25])
	h.PayloadLen = binary.BigEndian.Uint32(buf[25:29])
	if int(h.PayloadLen) != len(buf)-videoHeaderSize {
		return h, errLengthMismatch
	}
	return h, nil
}

// ParseAudioHeader parses buf per the 24-byte audio header layout.
func ParseAudioHeader(buf []byte) (AudioHeader, error) {
	var h AudioHeader
	if len(buf) < audioHeaderSize {
		return h, errTooShort
	}
	if buf[0] != KindAudio {
		return h, errUnknownKind
	}
	h.ParticipantID = binary.BigEndian.Uint32(buf[1:5])
	h.AudioID = binary.BigEndian.Uint32(buf[5:9])
	h.TimestampUs = binary.BigEndian.Uint64(buf[9:17])
	h.SampleRate = binary.BigEndian.Uint16(buf[17:19])
	h.Channels = buf[19]
	h.PayloadLen = binary.BigEndian.Uint32(buf[20:24])
	if int(h.PayloadLen) != len(buf)-audioHeaderSize {
		return h, errLengthMismatch
	}
	return h, nil
}

// ParticipantID extracts just the sender id from a datagram of either
// kind, without fully validating the rest of the header. Returns
// errUnknownKind for an unrecognized first byte and errTooShort if buf
// doesn't even reach the id field.
func ParticipantID(buf []byte) (uint32, error) {
	if len(buf) == 0 {
		return 0, errTooShort
	}
	switch buf[0] {
	case KindVideo, KindAudio:
		if len(buf) < 5 {
			return 0, errTooShort
		}
		return binary.BigEndian.Uint32(buf[1:5]), nil
	default:
		return 0, errUnknownKind
	}
}
