package relay

import (
	"encoding/binary"
	"testing"
)

func buildVideoDatagram(participantID, frameID, seq uint32, width, height uint16, payload []byte) []byte {
	buf := make([]byte, videoHeaderSize+len(payload))
	buf[0] = KindVideo
	binary.BigEndian.PutUint32(buf[1:5], participantID)
	binary.BigEndian.PutUint32(buf[5:9], frameID)
	binary.BigEndian.PutUint64(buf[9:17], 123456789)
	binary.BigEndian.PutUint32(buf[17:21], seq)
	binary.BigEndian.PutUint16(buf[21:23], width)
	binary.BigEndian.PutUint16(buf[23:25], height)
	binary.BigEndian.PutUint32(buf[25:29], uint32(len(payload)))
	copy(buf[29:], payload)
	return buf
}

func buildAudioDatagram(participantID, audioID uint32, sampleRate uint16, channels uint8, payload []byte) []byte {
	buf := make([]byte, audioHeaderSize+len(payload))
	buf[0] = KindAudio
	binary.BigEndian.PutUint32(buf[1:5], participantID)
	binary.BigEndian.PutUint32(buf[5:9], audioID)
	binary.BigEndian.PutUint64(buf[9:17], 987654321)
	binary.BigEndian.PutUint16(buf[17:19], sampleRate)
	buf[19] = channels
	binary.BigEndian.PutUint32(buf[20:24], uint32(len(payload)))
	copy(buf[24:], payload)
	return buf
}

func TestParseVideoHeaderRoundTrip(t *testing.T) {
	payload := []byte{1, 2, 3, 4}
	buf := buildVideoDatagram(7, 99, 42, 640, 360, payload)

	h, err := ParseVideoHeader(buf)
	if err != nil {
		t.Fatalf("ParseVideoHeader: %v", err)
	}
	if h.ParticipantID != 7 || h.FrameID != 99 || h.Seq != 42 || h.Width != 640 || h.Height != 360 {
		t.Fatalf("header = %+v", h)
	}
	if int(h.PayloadLen) != len(payload) {
		t.Fatalf("PayloadLen = %d, want %d", h.PayloadLen, len(payload))
	}
}

func TestParseVideoHeaderRejectsLengthMismatch(t *testing.T) {
	buf := buildVideoDatagram(1, 1, 1, 1, 1, []byte{1, 2, 3})
	binary.BigEndian.PutUint32(buf[25:29], 99) // lie about payload length
	if _, err := ParseVideoHeader(buf); err != errLengthMismatch {
		t.Fatalf("expected errLengthMismatch, got %v", err)
	}
}

func TestParseVideoHeaderRejectsWrongKind(t *testing.T) {
	buf := buildVideoDatagram(1, 1, 1, 1, 1, nil)
	buf[0] = KindAudio
	if _, err := ParseVideoHeader(buf); err != errUnknownKind {
		t.Fatalf("expected errUnknownKind, got %v", err)
	}
}

func TestParseAudioHeaderRoundTrip(t *testing.T) {
	payload := []byte{9, 9, 9}
	buf := buildAudioDatagram(3, 5, 48000, 2, payload)

	h, err := ParseAudioHeader(buf)
	if err != nil {
		t.Fatalf("ParseAudioHeader: %v", err)
	}
	if h.ParticipantID != 3 || h.AudioID != 5 || h.SampleRate != 48000 || h.Channels != 2 {
		t.Fatalf("header = %+v", h)
	}
}

func TestParticipantIDExtractsWithoutFullValidation(t *testing.T) {
	buf := buildAudioDatagram(42, 0, 16000, 1, nil)
	id, err := ParticipantID(buf)
	if err != nil {
		t.Fatalf("ParticipantID: %v", err)
	}
	if id != 42 {
		t.Fatalf("id = %d, want 42", id)
	}
}

func TestParticipantIDRejectsUnknownKind(t *testing.T) {
	buf := []byte{0xFF, 0, 0, 0, 1}
	if _, err := ParticipantID(buf); err != errUnknownKind {
		t.Fatalf("expected errUnknownKind, got %v", err)
	}
}
