package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"meetserver/internal/protocol"
	"meetserver/internal/registry"
)

// TransferCoordinator is the subset of internal/transfer's Coordinator
// consumed by the control dispatcher, kept as an interface here so this
// package does not import transfer's congestion-control internals.
type TransferCoordinator interface {
	Start(code string, sender *registry.Participant, targets []*registry.Participant, msg protocol.Message) error
	Chunk(senderID uint32, msg protocol.Message) error
	Ack(receiverID uint32, msg protocol.Message) error
	End(senderID uint32, msg protocol.Message) error
	AbortParticipant(participantID uint32)
}

// Config holds the tunables a Conn needs, sourced from flag.* in main.go
// (spec.md §6's option set).
type Config struct {
	MaxFrameBytes  int
	OutboxCapacity int
	IdleTimeout    time.Duration
	RateLimit      rate.Limit // messages/sec; 0 disables limiting
	RateBurst      int
}

// DefaultConfig mirrors spec.md §6's defaults.
func DefaultConfig() Config {
	return Config{
		MaxFrameBytes:  protocol.DefaultMaxFrameBytes,
		OutboxCapacity: 256,
		IdleTimeout:    120 * time.Second,
		RateLimit:      50,
		RateBurst:      100,
	}
}

// Conn runs the read-loop and write-queue tasks for one control
// connection, mediating between the raw socket and the Registry/
// TransferCoordinator.
type Conn struct {
	netConn net.Conn
	cfg     Config
	reg     *registry.Registry
	transfer TransferCoordinator

	// onLeave is invoked, outside any registry lock, once this connection's
	// participant has left its meeting (or disconnected while bound to
	// one) so other components (the media relay's address registry) can
	// drop their own per-participant state. Optional.
	onLeave func(participantID uint32)

	out         *chanOutbox
	participant *registry.Participant
	limiter     *rate.Limiter

	// stateMu guards st and code. Almost all reads/writes happen on this
	// connection's own read-loop goroutine (serially, per spec.md §5's
	// causal-ordering guarantee), but Admitted/Denied are invoked from the
	// admitting host's goroutine via registry.AdmissionNotifier, so the
	// two fields need real synchronization rather than being left bare.
	stateMu sync.Mutex
	st      state
	code    string
}

// New constructs a Conn around an already-accepted net.Conn. The
// participant id is allocated immediately so ERROR replies referencing it
// are possible even before the connection binds to a meeting.
func New(netConn net.Conn, cfg Config, reg *registry.Registry, transfer TransferCoordinator, onLeave func(uint32)) *Conn {
	c := &Conn{
		netConn:  netConn,
		cfg:      cfg,
		reg:      reg,
		transfer: transfer,
		onLeave:  onLeave,
		st:       stateUnbound,
	}
	c.out = newChanOutbox(cfg.OutboxCapacity, c.closeForOverflow)
	c.participant = &registry.Participant{ID: reg.NextParticipantID(), Outbox: c.out, Notify: c}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	return c
}

// ParticipantID returns the id allocated to this connection, stable for
// its whole lifetime regardless of meeting membership.
func (c *Conn) ParticipantID() uint32 {
	return c.participant.ID
}

// Serve runs both the write-queue task (in a spawned goroutine) and the
// read loop (on the calling goroutine) until the connection closes or ctx
// is cancelled. It always performs leave/cleanup before returning.
func (c *Conn) Serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Closing the socket on cancellation unblocks a read loop waiting in
	// ReadFrame.
	go func() {
		<-ctx.Done()
		c.netConn.Close()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	c.readLoop(ctx)

	c.netConn.Close()
	c.out.close()
	<-writerDone
	c.cleanup()
}

func (c *Conn) writeLoop() {
	for frame := range c.out.frames {
		if _, err := c.netConn.Write(frame); err != nil {
			log.Printf("[dispatch %d] write error: %v", c.participant.ID, err)
			c.netConn.Close()
			return
		}
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	dec := protocol.NewDecoder(c.netConn, c.cfg.MaxFrameBytes)
	for {
		if c.cfg.IdleTimeout > 0 {
			c.netConn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		}

		body, err := dec.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			if errors.Is(err, protocol.ErrFrameTooLarge) {
				c.sendError(protocol.ErrKindProtocol, "frame exceeds maximum size")
			} else {
				log.Printf("[dispatch %d] read error: %v", c.participant.ID, err)
			}
			return
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return
			}
		}

		var msg protocol.Message
		if err := json.Unmarshal(body, &msg); err != nil {
			log.Printf("[dispatch %d] malformed message: %v", c.participant.ID, err)
			c.sendError(protocol.ErrKindProtocol, "malformed message body")
			return
		}

		c.handle(msg)
	}
}

// state returns the connection's current admission state.
func (c *Conn) state() state {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.st
}

// bind sets the connection's state and associated meeting code together.
func (c *Conn) bind(s state, code string) {
	c.stateMu.Lock()
	c.st = s
	c.code = code
	c.stateMu.Unlock()
}

// meetingCode returns the meeting code the connection is currently bound
// to, if any.
func (c *Conn) meetingCode() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.code
}

// Admitted implements registry.AdmissionNotifier. It runs on the
// admitting host's goroutine, not this connection's own read loop.
func (c *Conn) Admitted(code string) {
	c.bind(stateMemberOf, code)
}

// Released implements registry.AdmissionNotifier.
func (c *Conn) Released() {
	c.bind(stateUnbound, "")
}

// cleanup runs leave() exactly once for a connection that was bound to a
// meeting, idempotently, and notifies onLeave regardless of meeting
// membership so the relay can always drop a stale address entry.
func (c *Conn) cleanup() {
	if c.state().inMeeting() {
		if _, err := c.reg.Leave(c.participant.ID); err != nil && !errors.Is(err, registry.ErrParticipantNotFound) {
			log.Printf("[dispatch %d] cleanup leave error: %v", c.participant.ID, err)
		}
	}
	c.transfer.AbortParticipant(c.participant.ID)
	if c.onLeave != nil {
		c.onLeave(c.participant.ID)
	}
}

func (c *Conn) closeForOverflow() {
	log.Printf("[dispatch %d] outbound queue overflow, closing connection", c.participant.ID)
	c.netConn.Close()
}

func (c *Conn) send(msg protocol.Message) {
	body, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[dispatch %d] marshal error: %v", c.participant.ID, err)
		return
	}
	c.out.Enqueue(protocol.Encode(body))
}

func (c *Conn) sendError(kind, reason string) {
	c.send(protocol.Message{Type: protocol.TypeError, Kind: kind, ErrorMsg: reason})
}
