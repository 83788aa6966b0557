package transfer

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"meetserver/internal/protocol"
	"meetserver/internal/registry"
)

// chunkState tracks one forwarded-but-not-fully-acknowledged chunk. A
// chunk is only considered acknowledged, for congestion-control purposes,
// once every target in the session has acked it — a generalization of
// spec.md §4.5's single-receiver model to this project's Open Question
// decision that a FILE_START with no `to` fans out to the whole admitted
// set (see SPEC_FULL.md §9).
type chunkState struct {
	seq     uint32
	data    string
	sentAt  time.Time
	ackedBy map[uint32]bool
	retries int
}

// session is one open file transfer. Every field is guarded by mu; the
// coordinator's top-level lock is acquired only to insert, remove, or
// look up the session by id (spec.md §5), never while mu is held.
type session struct {
	mu sync.Mutex

	id       uint32
	code     string
	sender   *registry.Participant
	targets  []*registry.Participant
	fileName string
	fileSize uint64

	cwnd     int
	ssthresh int
	inFlight int

	nextExpectedSeq uint32
	chunks          map[uint32]*chunkState
	queue           []*chunkState
	queueBytes      uint64

	cfg    Config
	closed bool
}

func newSession(id uint32, code string, sender *registry.Participant, targets []*registry.Participant, fileName string, fileSize uint64, cfg Config) *session {
	return &session{
		id:       id,
		code:     code,
		sender:   sender,
		targets:  targets,
		fileName: fileName,
		fileSize: fileSize,
		cwnd:     1,
		ssthresh: cfg.InitialSsthresh,
		chunks:   make(map[uint32]*chunkState),
		cfg:      cfg,
	}
}

func (s *session) sendTo(p *registry.Participant, msg protocol.Message) {
	body, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[transfer %d] marshal error: %v", s.id, err)
		return
	}
	p.Outbox.Enqueue(protocol.Encode(body))
}

func (s *session) broadcastToTargets(msg protocol.Message) {
	for _, t := range s.targets {
		s.sendTo(t, msg)
	}
}

// abortLocked marks the session closed and notifies sender and every
// target with FILE_ABORT. Caller must hold s.mu and must remove the
// session from the coordinator's table after releasing it.
func (s *session) abortLocked(reason string) {
	if s.closed {
		return
	}
	s.closed = true
	abortMsg := protocol.Message{Type: protocol.TypeFileAbort, TransferID: s.id, Reason: reason}
	s.sendTo(s.sender, abortMsg)
	s.broadcastToTargets(abortMsg)
	log.Printf("[transfer %d] aborted: %s", s.id, reason)
}

// admitChunkLocked forwards c immediately if credit allows, otherwise
// queues it, enforcing the bounded per-session queue. Returns
// ErrQueueOverflow if admitting c would exceed the configured limit; the
// caller must then abort the session.
func (s *session) admitChunkLocked(c *chunkState) error {
	if s.inFlight < s.cwnd {
		s.forwardChunkLocked(c)
		return nil
	}
	if s.queueBytes+uint64(len(c.data)) > s.cfg.SessionQueueBytes {
		return ErrQueueOverflow
	}
	s.queueBytes += uint64(len(c.data))
	s.queue = append(s.queue, c)
	return nil
}

func (s *session) forwardChunkLocked(c *chunkState) {
	c.sentAt = time.Now()
	s.chunks[c.seq] = c
	s.inFlight++
	s.broadcastToTargets(protocol.Message{
		Type:       protocol.TypeFileChunkForward,
		TransferID: s.id,
		From:       s.sender.ID,
		Seq:        c.seq,
		Data:       c.data,
	})
}

// flushQueueLocked admits queued chunks, in FIFO order, while credit
// remains.
func (s *session) flushQueueLocked() {
	for len(s.queue) > 0 && s.inFlight < s.cwnd {
		c := s.queue[0]
		s.queue = s.queue[1:]
		s.queueBytes -= uint64(len(c.data))
		s.forwardChunkLocked(c)
	}
}

// growCwndLocked applies the Reno-style slow-start/congestion-avoidance
// rule from spec.md §4.5 after a chunk is fully acknowledged.
func (s *session) growCwndLocked() {
	if s.cwnd < s.ssthresh {
		s.cwnd *= 2
	} else {
		s.cwnd++
	}
}

// timeoutLocked applies the halve-and-retransmit rule. It retransmits c
// and returns true if retry budget remains, or returns false if the
// caller must abort the session for exceeding it.
func (s *session) timeoutLocked(c *chunkState) bool {
	c.retries++
	if c.retries > s.cfg.MaxRetries {
		return false
	}
	s.ssthresh = maxInt(1, s.cwnd/2)
	s.cwnd = 1
	c.sentAt = time.Now()
	s.broadcastToTargets(protocol.Message{
		Type:       protocol.TypeFileChunkForward,
		TransferID: s.id,
		From:       s.sender.ID,
		Seq:        c.seq,
		Data:       c.data,
	})
	return true
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
