package transfer

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"meetserver/internal/protocol"
	"meetserver/internal/registry"
)

// fakeOutbox records every frame enqueued to it, decoded back into messages,
// so tests can assert on what a participant's connection would have
// received.
type fakeOutbox struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (f *fakeOutbox) Enqueue(frame []byte) {
	body := frame[4:] // strip the 4-byte length prefix (internal/protocol.Encode)
	var msg protocol.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		panic(err)
	}
	f.mu.Lock()
	f.msgs = append(f.msgs, msg)
	f.mu.Unlock()
}

func (f *fakeOutbox) last() protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.msgs) == 0 {
		return protocol.Message{}
	}
	return f.msgs[len(f.msgs)-1]
}

func (f *fakeOutbox) count(msgType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.msgs {
		if m.Type == msgType {
			n++
		}
	}
	return n
}

func newParticipant(id uint32) (*registry.Participant, *fakeOutbox) {
	out := &fakeOutbox{}
	return &registry.Participant{ID: id, Outbox: out}, out
}

func TestCoordinatorStartRejectsNoTargets(t *testing.T) {
	c := New(DefaultConfig())
	sender, _ := newParticipant(1)
	err := c.Start("123456", sender, nil, protocol.Message{TransferID: 1})
	if err != ErrNoTargets {
		t.Fatalf("err = %v, want ErrNoTargets", err)
	}
}

func TestCoordinatorStartDuplicateTransferID(t *testing.T) {
	c := New(DefaultConfig())
	sender, _ := newParticipant(1)
	receiver, _ := newParticipant(2)
	targets := []*registry.Participant{receiver}

	if err := c.Start("123456", sender, targets, protocol.Message{TransferID: 7}); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := c.Start("123456", sender, targets, protocol.Message{TransferID: 7}); err != ErrTransferExists {
		t.Fatalf("second Start err = %v, want ErrTransferExists", err)
	}
}

func TestCoordinatorChunkOutOfOrderAborts(t *testing.T) {
	c := New(DefaultConfig())
	sender, senderOut := newParticipant(1)
	receiver, receiverOut := newParticipant(2)
	targets := []*registry.Participant{receiver}

	if err := c.Start("123456", sender, targets, protocol.Message{TransferID: 1, FileName: "a.bin", FileSize: 100}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err := c.Chunk(sender.ID, protocol.Message{TransferID: 1, Seq: 1, Data: "x"})
	if err != ErrOutOfOrder {
		t.Fatalf("err = %v, want ErrOutOfOrder", err)
	}
	if got := senderOut.last().Type; got != protocol.TypeFileAbort {
		t.Fatalf("sender last msg = %q, want FILE_ABORT", got)
	}
	if got := receiverOut.last().Type; got != protocol.TypeFileAbort {
		t.Fatalf("receiver last msg = %q, want FILE_ABORT", got)
	}
	if c.SessionCount() != 0 {
		t.Fatalf("SessionCount = %d, want 0 after abort", c.SessionCount())
	}
}

// TestCoordinatorCongestionWindowProgression walks the spec.md §8 scenario:
// chunks 0,1,2 sent under cwnd growth 1->2->4, chunk 2 times out causing
// ssthresh to halve and cwnd to reset to 1, then a retransmit and ack closes
// the session out cleanly.
func TestCoordinatorCongestionWindowProgression(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AckTimeout = 10 * time.Millisecond
	cfg.InitialSsthresh = 8
	c := New(cfg)

	sender, _ := newParticipant(1)
	receiver, receiverOut := newParticipant(2)
	targets := []*registry.Participant{receiver}

	if err := c.Start("123456", sender, targets, protocol.Message{TransferID: 1, FileName: "a.bin", FileSize: 30}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if receiverOut.count(protocol.TypeFileStartForward) != 1 {
		t.Fatalf("receiver did not get FILE_START_FORWARD")
	}

	// cwnd=1: chunk 0 forwards immediately.
	if err := c.Chunk(sender.ID, protocol.Message{TransferID: 1, Seq: 0, Data: "aaa"}); err != nil {
		t.Fatalf("chunk 0: %v", err)
	}
	if receiverOut.count(protocol.TypeFileChunkForward) != 1 {
		t.Fatalf("expected 1 chunk forwarded at cwnd=1, got %d", receiverOut.count(protocol.TypeFileChunkForward))
	}

	// Ack chunk 0: cwnd doubles to 2 (slow start, cwnd < ssthresh).
	if err := c.Ack(receiver.ID, protocol.Message{TransferID: 1, Seq: 0}); err != nil {
		t.Fatalf("ack 0: %v", err)
	}

	s, ok := c.get(1)
	if !ok {
		t.Fatal("session vanished")
	}
	s.mu.Lock()
	if s.cwnd != 2 {
		t.Fatalf("cwnd after first ack = %d, want 2", s.cwnd)
	}
	s.mu.Unlock()

	// Chunks 1 and 2 both fit under cwnd=2 and forward immediately.
	if err := c.Chunk(sender.ID, protocol.Message{TransferID: 1, Seq: 1, Data: "bbb"}); err != nil {
		t.Fatalf("chunk 1: %v", err)
	}
	if err := c.Chunk(sender.ID, protocol.Message{TransferID: 1, Seq: 2, Data: "ccc"}); err != nil {
		t.Fatalf("chunk 2: %v", err)
	}
	if receiverOut.count(protocol.TypeFileChunkForward) != 3 {
		t.Fatalf("expected 3 chunks forwarded, got %d", receiverOut.count(protocol.TypeFileChunkForward))
	}

	// Ack chunk 1: cwnd doubles to 4.
	if err := c.Ack(receiver.ID, protocol.Message{TransferID: 1, Seq: 1}); err != nil {
		t.Fatalf("ack 1: %v", err)
	}
	s.mu.Lock()
	if s.cwnd != 4 {
		t.Fatalf("cwnd after second ack = %d, want 4", s.cwnd)
	}
	s.mu.Unlock()

	// Let chunk 2 expire past AckTimeout and sweep: ssthresh halves to
	// max(1, 4/2)=2, cwnd resets to 1, chunk 2 is retransmitted.
	time.Sleep(20 * time.Millisecond)
	c.sweepOnce()

	s.mu.Lock()
	if s.ssthresh != 2 {
		t.Fatalf("ssthresh after timeout = %d, want 2", s.ssthresh)
	}
	if s.cwnd != 1 {
		t.Fatalf("cwnd after timeout = %d, want 1", s.cwnd)
	}
	s.mu.Unlock()
	if receiverOut.count(protocol.TypeFileChunkForward) != 4 {
		t.Fatalf("expected chunk 2 retransmitted (4 total forwards), got %d", receiverOut.count(protocol.TypeFileChunkForward))
	}

	// Ack the retransmitted chunk 2, then End closes the session.
	if err := c.Ack(receiver.ID, protocol.Message{TransferID: 1, Seq: 2}); err != nil {
		t.Fatalf("ack 2: %v", err)
	}
	if err := c.End(sender.ID, protocol.Message{TransferID: 1}); err != nil {
		t.Fatalf("End: %v", err)
	}
	if c.SessionCount() != 0 {
		t.Fatalf("SessionCount = %d after End, want 0", c.SessionCount())
	}
	if receiverOut.count(protocol.TypeFileEndForward) != 1 {
		t.Fatalf("receiver did not get FILE_END_FORWARD")
	}
}

func TestCoordinatorAbortAfterRetryBudgetExhausted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AckTimeout = 5 * time.Millisecond
	cfg.MaxRetries = 1
	c := New(cfg)

	sender, senderOut := newParticipant(1)
	receiver, _ := newParticipant(2)
	targets := []*registry.Participant{receiver}

	if err := c.Start("123456", sender, targets, protocol.Message{TransferID: 1, FileName: "a.bin", FileSize: 3}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Chunk(sender.ID, protocol.Message{TransferID: 1, Seq: 0, Data: "aaa"}); err != nil {
		t.Fatalf("chunk 0: %v", err)
	}

	// First timeout retransmits (retries=1, within MaxRetries=1).
	time.Sleep(10 * time.Millisecond)
	c.sweepOnce()
	if c.SessionCount() != 1 {
		t.Fatalf("session should still be open after first timeout")
	}

	// Second timeout exceeds the retry budget and aborts.
	time.Sleep(10 * time.Millisecond)
	c.sweepOnce()
	if c.SessionCount() != 0 {
		t.Fatalf("session should be aborted after exhausting retry budget")
	}
	if got := senderOut.last().Type; got != protocol.TypeFileAbort {
		t.Fatalf("sender last msg = %q, want FILE_ABORT", got)
	}
	if got := senderOut.last().Reason; got != protocol.AbortReasonTimeout {
		t.Fatalf("abort reason = %q, want %q", got, protocol.AbortReasonTimeout)
	}
}

func TestCoordinatorAbortParticipantTearsDownSession(t *testing.T) {
	c := New(DefaultConfig())
	sender, _ := newParticipant(1)
	receiver, receiverOut := newParticipant(2)
	targets := []*registry.Participant{receiver}

	if err := c.Start("123456", sender, targets, protocol.Message{TransferID: 1, FileName: "a.bin", FileSize: 3}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	c.AbortParticipant(sender.ID)
	if c.SessionCount() != 0 {
		t.Fatalf("SessionCount = %d, want 0 after sender departs", c.SessionCount())
	}
	if got := receiverOut.last().Type; got != protocol.TypeFileAbort {
		t.Fatalf("receiver last msg = %q, want FILE_ABORT", got)
	}
	if got := receiverOut.last().Reason; got != protocol.AbortReasonPeerGone {
		t.Fatalf("abort reason = %q, want %q", got, protocol.AbortReasonPeerGone)
	}
}

func TestCoordinatorAckFromNonTargetRejected(t *testing.T) {
	c := New(DefaultConfig())
	sender, _ := newParticipant(1)
	receiver, _ := newParticipant(2)
	stranger, _ := newParticipant(3)
	targets := []*registry.Participant{receiver}

	if err := c.Start("123456", sender, targets, protocol.Message{TransferID: 1, FileName: "a.bin", FileSize: 3}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Chunk(sender.ID, protocol.Message{TransferID: 1, Seq: 0, Data: "aaa"}); err != nil {
		t.Fatalf("chunk 0: %v", err)
	}
	if err := c.Ack(stranger.ID, protocol.Message{TransferID: 1, Seq: 0}); err != ErrNotReceiver {
		t.Fatalf("err = %v, want ErrNotReceiver", err)
	}
}
