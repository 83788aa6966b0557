package dispatch

import (
	"errors"
	"log"

	"meetserver/internal/protocol"
	"meetserver/internal/registry"
)

const maxFileSize = 4 << 30 // 4 GiB, generous upper bound independent of per-session queue limit

// handle dispatches one decoded message through the state machine in
// spec.md §4.3. Precondition failures send ERROR and leave the state
// unchanged; the caller is responsible for closing the connection on
// decode/size violations before this is ever reached.
func (c *Conn) handle(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeCreateMeeting:
		c.handleCreateMeeting(msg)
	case protocol.TypeRequestJoin:
		c.handleRequestJoin(msg)
	case protocol.TypeAllowJoin:
		c.handleAllowJoin(msg)
	case protocol.TypeDenyJoin:
		c.handleDenyJoin(msg)
	case protocol.TypeChat:
		c.handleChat(msg)
	case protocol.TypeFileStart:
		c.handleFileStart(msg)
	case protocol.TypeFileChunk:
		c.handleFileChunk(msg)
	case protocol.TypeFileAck:
		c.handleFileAck(msg)
	case protocol.TypeFileEnd:
		c.handleFileEnd(msg)
	case protocol.TypeVideoStats:
		c.handleVideoStats(msg)
	case protocol.TypeLeave:
		c.handleLeave()
	default:
		c.sendError(protocol.ErrKindProtocol, "unknown message type")
	}
}

func (c *Conn) handleCreateMeeting(msg protocol.Message) {
	if c.state() != stateUnbound {
		c.sendError(protocol.ErrKindState, "already bound to a meeting")
		return
	}
	code, err := c.reg.CreateMeeting(c.participant, msg.Name)
	if err != nil {
		c.sendError(errKindFor(err), err.Error())
		return
	}
	c.bind(stateHostOf, code)
	c.send(protocol.Message{Type: protocol.TypeMeetingCreated, Code: code})
}

func (c *Conn) handleRequestJoin(msg protocol.Message) {
	if c.state() != stateUnbound {
		c.sendError(protocol.ErrKindState, "already bound to a meeting")
		return
	}
	if err := c.reg.RequestJoin(msg.Code, c.participant, msg.Name); err != nil {
		c.sendError(errKindFor(err), err.Error())
		return
	}
	c.bind(stateWaitingIn, msg.Code)
	c.send(protocol.Message{Type: protocol.TypeJoinPending})
}

func (c *Conn) handleAllowJoin(msg protocol.Message) {
	if c.state() != stateHostOf {
		c.sendError(protocol.ErrKindState, "only the host may allow joins")
		return
	}
	if err := c.reg.Admit(c.meetingCode(), c.participant.ID, msg.ParticipantID); err != nil {
		c.sendError(errKindFor(err), err.Error())
	}
}

func (c *Conn) handleDenyJoin(msg protocol.Message) {
	if c.state() != stateHostOf {
		c.sendError(protocol.ErrKindState, "only the host may deny joins")
		return
	}
	if err := c.reg.Deny(c.meetingCode(), c.participant.ID, msg.ParticipantID); err != nil {
		c.sendError(errKindFor(err), err.Error())
	}
}

func (c *Conn) handleChat(msg protocol.Message) {
	st := c.state()
	if !st.inMeeting() || st == stateWaitingIn {
		c.sendError(protocol.ErrKindState, "not an admitted member of a meeting")
		return
	}
	if ok := c.reg.BroadcastChat(c.meetingCode(), c.participant.ID, msg.To, msg.Text, msg.TS); !ok {
		c.sendError(protocol.ErrKindState, "chat target not admitted to this meeting")
	}
}

func (c *Conn) handleFileStart(msg protocol.Message) {
	st := c.state()
	if !st.inMeeting() || st == stateWaitingIn {
		c.sendError(protocol.ErrKindState, "not an admitted member of a meeting")
		return
	}
	if msg.FileSize > maxFileSize {
		c.sendError(protocol.ErrKindResource, "file size exceeds server limit")
		return
	}
	targets, err := c.reg.ResolveTargets(c.participant.ID, msg.To)
	if err != nil {
		c.sendError(errKindFor(err), err.Error())
		return
	}
	if err := c.transfer.Start(c.meetingCode(), c.participant, targets, msg); err != nil {
		c.sendError(protocol.ErrKindResource, err.Error())
	}
}

// handleFileChunk, handleFileAck and handleFileEnd forward straight to the
// transfer coordinator, which owns all FILE_* session state and notifies
// peers directly (including FILE_ABORT on a protocol violation); an error
// here is logged only; sending a second ERROR would duplicate whatever the
// coordinator already sent.
func (c *Conn) handleFileChunk(msg protocol.Message) {
	if err := c.transfer.Chunk(c.participant.ID, msg); err != nil {
		log.Printf("[dispatch %d] file chunk: %v", c.participant.ID, err)
	}
}

func (c *Conn) handleFileAck(msg protocol.Message) {
	if err := c.transfer.Ack(c.participant.ID, msg); err != nil {
		log.Printf("[dispatch %d] file ack: %v", c.participant.ID, err)
	}
}

func (c *Conn) handleFileEnd(msg protocol.Message) {
	if err := c.transfer.End(c.participant.ID, msg); err != nil {
		log.Printf("[dispatch %d] file end: %v", c.participant.ID, err)
	}
}

func (c *Conn) handleVideoStats(msg protocol.Message) {
	if !c.state().inMeeting() {
		c.sendError(protocol.ErrKindState, "not in a meeting")
		return
	}
	if ok := c.reg.RouteVideoStats(c.meetingCode(), msg); !ok {
		c.sendError(protocol.ErrKindState, "unknown media sender")
	}
}

func (c *Conn) handleLeave() {
	if !c.state().inMeeting() {
		return
	}
	if _, err := c.reg.Leave(c.participant.ID); err != nil {
		log.Printf("[dispatch %d] leave: %v", c.participant.ID, err)
	}
	c.transfer.AbortParticipant(c.participant.ID)
	c.bind(stateUnbound, "")
	if c.onLeave != nil {
		c.onLeave(c.participant.ID)
	}
}

// errKindFor classifies a registry error into the ERROR.kind taxonomy of
// spec.md §7.
func errKindFor(err error) string {
	switch {
	case errors.Is(err, registry.ErrTooManyMeetings), errors.Is(err, registry.ErrCodeSpaceExhausted):
		return protocol.ErrKindResource
	default:
		return protocol.ErrKindState
	}
}
