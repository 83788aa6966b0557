package transfer

import (
	"context"
	"log"
	"sync"
	"time"

	"meetserver/internal/protocol"
	"meetserver/internal/registry"
)

// sweepInterval is how often Run checks every open session for an
// expired chunk, per spec.md §5 ("a periodic timeout sweep across open
// sessions ... every 100 ms").
const sweepInterval = 100 * time.Millisecond

// Coordinator owns every open file-transfer session and applies the
// cwnd/ssthresh pacing policy of spec.md §4.5. It is grounded on the
// teacher's Room.recordings map[int64]*ChannelRecorder: one top-level
// lock guards insertion/removal/lookup by id, while each session's own
// fields are protected by its own mutex (teacher: ChannelRecorder).
type Coordinator struct {
	mu       sync.Mutex
	sessions map[uint32]*session
	cfg      Config
}

// New returns a Coordinator with no open sessions.
func New(cfg Config) *Coordinator {
	return &Coordinator{sessions: make(map[uint32]*session), cfg: cfg}
}

// Run drives the periodic timeout sweep until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepOnce()
		}
	}
}

// SessionCount reports the number of currently open transfers, for the
// REST status surface.
func (c *Coordinator) SessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func (c *Coordinator) get(id uint32) (*session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	return s, ok
}

func (c *Coordinator) remove(id uint32) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}

// Start opens a new session for a FILE_START message and forwards
// FILE_START_FORWARD to every target, per spec.md §4.3's FILE_START row.
func (c *Coordinator) Start(code string, sender *registry.Participant, targets []*registry.Participant, msg protocol.Message) error {
	if len(targets) == 0 {
		return ErrNoTargets
	}

	c.mu.Lock()
	if _, exists := c.sessions[msg.TransferID]; exists {
		c.mu.Unlock()
		return ErrTransferExists
	}
	s := newSession(msg.TransferID, code, sender, targets, msg.FileName, msg.FileSize, c.cfg)
	c.sessions[msg.TransferID] = s
	c.mu.Unlock()

	s.broadcastToTargets(protocol.Message{
		Type:       protocol.TypeFileStartForward,
		TransferID: s.id,
		From:       sender.ID,
		FileName:   msg.FileName,
		FileSize:   msg.FileSize,
	})
	log.Printf("[transfer %d] started by participant %d toward %d target(s), %d bytes declared", s.id, sender.ID, len(targets), msg.FileSize)
	return nil
}

// Chunk admits a FILE_CHUNK from the declared sender, enforcing strictly
// ascending sequence numbers (spec.md §4.5 "Ordering").
func (c *Coordinator) Chunk(senderID uint32, msg protocol.Message) error {
	s, ok := c.get(msg.TransferID)
	if !ok {
		return ErrUnknownTransfer
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionAborted
	}
	if s.sender.ID != senderID {
		s.mu.Unlock()
		return ErrNotSender
	}
	if msg.Seq != s.nextExpectedSeq {
		s.abortLocked(protocol.AbortReasonProtocol)
		s.mu.Unlock()
		c.remove(s.id)
		return ErrOutOfOrder
	}
	s.nextExpectedSeq++

	chunk := &chunkState{seq: msg.Seq, data: msg.Data, ackedBy: make(map[uint32]bool, len(s.targets))}
	if err := s.admitChunkLocked(chunk); err != nil {
		s.abortLocked(protocol.AbortReasonOverflow)
		s.mu.Unlock()
		c.remove(s.id)
		return err
	}
	s.mu.Unlock()
	return nil
}

// Ack records one target's acknowledgement of seq. A chunk is credited
// back to cwnd only once every target of the transfer has acked it —
// this project's generalization of spec.md §4.5's single-receiver model
// to a possibly-broadcast transfer (see SPEC_FULL.md §9).
func (c *Coordinator) Ack(receiverID uint32, msg protocol.Message) error {
	s, ok := c.get(msg.TransferID)
	if !ok {
		return ErrUnknownTransfer
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionAborted
	}

	isTarget := false
	for _, t := range s.targets {
		if t.ID == receiverID {
			isTarget = true
			break
		}
	}
	if !isTarget {
		return ErrNotReceiver
	}

	ch, ok := s.chunks[msg.Seq]
	if !ok {
		// Already fully acked (duplicate ack from a slow target) or
		// unknown; neither is an error worth surfacing to the peer.
		return nil
	}
	ch.ackedBy[receiverID] = true
	if len(ch.ackedBy) < len(s.targets) {
		return nil
	}

	delete(s.chunks, msg.Seq)
	s.inFlight--
	s.growCwndLocked()
	s.sendTo(s.sender, protocol.Message{Type: protocol.TypeFileAckForward, TransferID: s.id, Seq: msg.Seq})
	s.flushQueueLocked()
	return nil
}

// End closes a session once every forwarded chunk has been fully
// acknowledged, forwarding FILE_END_FORWARD to every target.
func (c *Coordinator) End(senderID uint32, msg protocol.Message) error {
	s, ok := c.get(msg.TransferID)
	if !ok {
		return ErrUnknownTransfer
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionAborted
	}
	if s.sender.ID != senderID {
		s.mu.Unlock()
		return ErrNotSender
	}
	if len(s.chunks) > 0 || len(s.queue) > 0 {
		s.mu.Unlock()
		return ErrNotComplete
	}
	s.closed = true
	s.broadcastToTargets(protocol.Message{Type: protocol.TypeFileEndForward, TransferID: s.id, From: senderID})
	s.mu.Unlock()

	c.remove(s.id)
	log.Printf("[transfer %d] completed", s.id)
	return nil
}

// AbortParticipant tears down every open session that references
// participantID as sender or target, called from the control dispatcher's
// cleanup path when a connection closes (spec.md §3 "if the participant
// departs, sessions referencing it are aborted").
func (c *Coordinator) AbortParticipant(participantID uint32) {
	c.mu.Lock()
	var toAbort []*session
	for id, s := range c.sessions {
		if sessionInvolves(s, participantID) {
			toAbort = append(toAbort, s)
			delete(c.sessions, id)
		}
	}
	c.mu.Unlock()

	for _, s := range toAbort {
		s.mu.Lock()
		s.abortLocked(protocol.AbortReasonPeerGone)
		s.mu.Unlock()
	}
}

func sessionInvolves(s *session, participantID uint32) bool {
	if s.sender.ID == participantID {
		return true
	}
	for _, t := range s.targets {
		if t.ID == participantID {
			return true
		}
	}
	return false
}

// sweepOnce checks every open session for a chunk that has gone
// unacknowledged past cfg.AckTimeout and applies the halve-and-retransmit
// policy, aborting sessions that exceed their retry budget.
func (c *Coordinator) sweepOnce() {
	c.mu.Lock()
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		c.sweepSession(s)
	}
}

func (c *Coordinator) sweepSession(s *session) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	var oldest *chunkState
	for _, ch := range s.chunks {
		if oldest == nil || ch.sentAt.Before(oldest.sentAt) {
			oldest = ch
		}
	}
	if oldest == nil || time.Since(oldest.sentAt) < s.cfg.AckTimeout {
		s.mu.Unlock()
		return
	}

	if !s.timeoutLocked(oldest) {
		s.abortLocked(protocol.AbortReasonTimeout)
		s.mu.Unlock()
		c.remove(s.id)
		return
	}
	s.mu.Unlock()
}
