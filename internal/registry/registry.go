// Package registry implements the meeting lifecycle and membership manager:
// creating and disposing meetings, tracking host/admitted/waiting sets, and
// fanning out membership notifications to each participant's outbound
// queue. It is grounded on the teacher's Room type (room.go): one
// sync.RWMutex guarding plain Go maps, an atomic id counter, and a
// "snapshot under the lock, deliver after releasing it" broadcast shape —
// generalized here from one global room to many concurrently live meetings.
package registry

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"meetserver/internal/protocol"
)

// Registry owns every live Meeting and Participant. It is the single
// source of truth for membership; the control dispatcher mutates state
// exclusively through its methods (spec.md §4.2/§5).
type Registry struct {
	mu           sync.RWMutex
	meetings     map[string]*Meeting     // code -> meeting
	participants map[uint32]*Participant // id -> participant
	memberOf     map[uint32]string       // id -> meeting code, while bound

	nextID atomic.Uint32

	maxMeetings int // 0 = unlimited

	// auditLog receives a best-effort record of admission decisions; wired
	// to internal/store in production, nil in most tests.
	auditLog func(action string, actorID, targetID uint32, meetingCode string)
}

// New returns an empty Registry. maxMeetings caps the number of
// simultaneously live meetings; 0 means unlimited.
func New(maxMeetings int) *Registry {
	return &Registry{
		meetings:     make(map[string]*Meeting),
		participants: make(map[uint32]*Participant),
		memberOf:     make(map[uint32]string),
		maxMeetings:  maxMeetings,
	}
}

// SetAuditLog registers a callback invoked after each admission decision.
// Intended for persistence (internal/store); called while NOT holding the
// registry lock.
func (r *Registry) SetAuditLog(fn func(action string, actorID, targetID uint32, meetingCode string)) {
	r.mu.Lock()
	r.auditLog = fn
	r.mu.Unlock()
}

// NextParticipantID allocates a fresh, unique, never-reused participant id.
// Exposed so callers can build a *Participant before it is known which
// registry call (CreateMeeting vs RequestJoin) will register it.
func (r *Registry) NextParticipantID() uint32 {
	return r.nextID.Add(1)
}

func validateName(name string) error {
	if name == "" || utf8.RuneCountInString(name) == 0 {
		return ErrInvalidName
	}
	if len(name) > MaxNameLength {
		return ErrInvalidName
	}
	return nil
}

// CreateMeeting allocates a fresh six-digit code, installs host as the
// meeting's sole admitted member, and returns the code.
func (r *Registry) CreateMeeting(host *Participant, name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	host.Name = name

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxMeetings > 0 && len(r.meetings) >= r.maxMeetings {
		return "", ErrTooManyMeetings
	}

	var code string
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		c, err := generateCode()
		if err != nil {
			return "", err
		}
		if _, exists := r.meetings[c]; !exists {
			code = c
			break
		}
	}
	if code == "" {
		return "", ErrCodeSpaceExhausted
	}

	host.host = true
	r.meetings[code] = &Meeting{
		Code:      code,
		HostID:    host.ID,
		CreatedAt: time.Now(),
		admitted:  []uint32{host.ID},
	}
	r.participants[host.ID] = host
	r.memberOf[host.ID] = code

	log.Printf("[registry] meeting %s created by participant %d (%s)", code, host.ID, name)
	return code, nil
}

// RequestJoin places p in code's waiting set and notifies the host.
func (r *Registry) RequestJoin(code string, p *Participant, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	p.Name = name

	r.mu.Lock()

	m, ok := r.meetings[code]
	if !ok {
		r.mu.Unlock()
		return ErrMeetingNotFound
	}

	m.waiting = append(m.waiting, p.ID)
	r.participants[p.ID] = p
	r.memberOf[p.ID] = code

	host := r.participants[m.HostID]
	r.mu.Unlock()

	if host != nil {
		r.sendTo(host, protocol.Message{
			Type:          protocol.TypeJoinRequest,
			ParticipantID: p.ID,
			Name:          name,
		})
	}
	log.Printf("[registry] participant %d (%s) requested to join %s", p.ID, name, code)
	return nil
}

// Admit moves a waiter to the admitted set. Only the meeting's current
// host may call this, and only for a participant presently waiting in
// that meeting.
func (r *Registry) Admit(code string, hostID, participantID uint32) error {
	r.mu.Lock()

	m, ok := r.meetings[code]
	if !ok {
		r.mu.Unlock()
		return ErrMeetingNotFound
	}
	if m.HostID != hostID {
		r.mu.Unlock()
		return ErrNotHost
	}

	idx := indexOf(m.waiting, participantID)
	if idx < 0 {
		r.mu.Unlock()
		return ErrNotWaiting
	}

	m.waiting = removeAt(m.waiting, idx)
	m.admitted = append(m.admitted, participantID)

	waiter := r.participants[participantID]
	admittedSnapshot := r.snapshotTargetsLocked(m.admitted, participantID)
	r.mu.Unlock()

	if waiter != nil {
		r.sendTo(waiter, protocol.Message{Type: protocol.TypeJoinAccepted, Code: code})
		r.broadcastTo(admittedSnapshot, protocol.Message{
			Type:          protocol.TypeMemberJoined,
			ParticipantID: participantID,
			Name:          waiter.Name,
		})
		if waiter.Notify != nil {
			waiter.Notify.Admitted(code)
		}
	}
	r.audit("admit", hostID, participantID, code)
	log.Printf("[registry] host %d admitted participant %d into %s", hostID, participantID, code)
	return nil
}

// Deny removes a waiter and notifies them of the rejection.
func (r *Registry) Deny(code string, hostID, participantID uint32) error {
	r.mu.Lock()

	m, ok := r.meetings[code]
	if !ok {
		r.mu.Unlock()
		return ErrMeetingNotFound
	}
	if m.HostID != hostID {
		r.mu.Unlock()
		return ErrNotHost
	}

	idx := indexOf(m.waiting, participantID)
	if idx < 0 {
		r.mu.Unlock()
		return ErrNotWaiting
	}
	m.waiting = removeAt(m.waiting, idx)
	waiter := r.participants[participantID]
	delete(r.participants, participantID)
	delete(r.memberOf, participantID)
	r.mu.Unlock()

	if waiter != nil {
		r.sendTo(waiter, protocol.Message{Type: protocol.TypeJoinRejected})
		if waiter.Notify != nil {
			waiter.Notify.Released()
		}
	}
	r.audit("deny", hostID, participantID, code)
	log.Printf("[registry] host %d denied participant %d from %s", hostID, participantID, code)
	return nil
}

// LeaveResult describes the effect of a Leave call, so the caller (the
// control dispatcher) knows whether to abort transfer sessions and/or
// tear down the address-registry entry for the departing participant,
// and, on dissolution, for every other departed participant too.
type LeaveResult struct {
	MeetingCode string
	WasHost     bool
	Dissolved   bool
	// DissolvedParticipantIDs lists every other participant (admitted and
	// waiting) evicted by a host departure. Empty unless Dissolved.
	DissolvedParticipantIDs []uint32
}

// Leave removes participantID from whatever meeting it belongs to. If it
// was the host, the meeting is dissolved: every other member receives
// MEETING_CLOSED and the code is released. Otherwise the remaining
// admitted set receives a MEMBER_LEFT broadcast.
func (r *Registry) Leave(participantID uint32) (LeaveResult, error) {
	r.mu.Lock()

	code, ok := r.memberOf[participantID]
	if !ok {
		r.mu.Unlock()
		return LeaveResult{}, ErrParticipantNotFound
	}
	m := r.meetings[code]
	if m == nil {
		delete(r.memberOf, participantID)
		r.mu.Unlock()
		return LeaveResult{}, ErrMeetingNotFound
	}

	if m.HostID == participantID {
		others := make([]uint32, 0, len(m.admitted)+len(m.waiting)-1)
		targets := make([]*Participant, 0, cap(others))
		for _, id := range m.admitted {
			if id == participantID {
				continue
			}
			others = append(others, id)
			if p := r.participants[id]; p != nil {
				targets = append(targets, p)
			}
		}
		for _, id := range m.waiting {
			others = append(others, id)
			if p := r.participants[id]; p != nil {
				targets = append(targets, p)
			}
		}
		for _, id := range others {
			delete(r.memberOf, id)
			delete(r.participants, id)
		}
		delete(r.memberOf, participantID)
		delete(r.participants, participantID)
		delete(r.meetings, code)
		r.mu.Unlock()

		r.broadcastTo(targets, protocol.Message{Type: protocol.TypeMeetingClosed})
		for _, p := range targets {
			if p.Notify != nil {
				p.Notify.Released()
			}
		}
		r.audit("dissolve", participantID, 0, code)
		log.Printf("[registry] meeting %s dissolved (host %d left), %d other participants evicted", code, participantID, len(others))
		return LeaveResult{MeetingCode: code, WasHost: true, Dissolved: true, DissolvedParticipantIDs: others}, nil
	}

	removedFromAdmitted := false
	if idx := indexOf(m.admitted, participantID); idx >= 0 {
		m.admitted = removeAt(m.admitted, idx)
		removedFromAdmitted = true
	} else if idx := indexOf(m.waiting, participantID); idx >= 0 {
		m.waiting = removeAt(m.waiting, idx)
	}
	delete(r.memberOf, participantID)
	delete(r.participants, participantID)

	var remaining []*Participant
	if removedFromAdmitted {
		remaining = r.snapshotTargetsLocked(m.admitted, 0)
	}
	r.mu.Unlock()

	if removedFromAdmitted {
		r.broadcastTo(remaining, protocol.Message{Type: protocol.TypeMemberLeft, ParticipantID: participantID})
	}
	log.Printf("[registry] participant %d left meeting %s", participantID, code)
	return LeaveResult{MeetingCode: code, WasHost: false}, nil
}

// LookupByCode returns a read-only view of a live meeting.
func (r *Registry) LookupByCode(code string) (*Meeting, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.meetings[code]
	return m, ok
}

// LookupByParticipantID returns the participant with the given id.
func (r *Registry) LookupByParticipantID(id uint32) (*Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[id]
	return p, ok
}

// MeetingOf returns the meeting code a participant currently belongs to.
func (r *Registry) MeetingOf(participantID uint32) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	code, ok := r.memberOf[participantID]
	return code, ok
}

// IsAdmitted reports whether participantID is in code's admitted set.
func (r *Registry) IsAdmitted(code string, participantID uint32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.meetings[code]
	if !ok {
		return false
	}
	return indexOf(m.admitted, participantID) >= 0
}

// AdmittedMembers returns a snapshot of code's admitted set.
func (r *Registry) AdmittedMembers(code string) []MemberSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.meetings[code]
	if !ok {
		return nil
	}
	out := make([]MemberSnapshot, 0, len(m.admitted))
	for _, id := range m.admitted {
		if p := r.participants[id]; p != nil {
			out = append(out, MemberSnapshot{ID: p.ID, Name: p.Name, IsHost: p.host})
		}
	}
	return out
}

// MeetingSnapshot is an immutable, lock-free view of one live meeting for
// the read-only REST/admin surface (internal/httpapi).
type MeetingSnapshot struct {
	Code          string    `json:"code"`
	HostID        uint32    `json:"hostId"`
	CreatedAt     time.Time `json:"createdAt"`
	AdmittedCount int       `json:"admittedCount"`
	WaitingCount  int       `json:"waitingCount"`
}

// Meetings returns a snapshot of every currently live meeting, for the
// REST `/api/meetings` endpoint. Order is unspecified.
func (r *Registry) Meetings() []MeetingSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MeetingSnapshot, 0, len(r.meetings))
	for _, m := range r.meetings {
		out = append(out, MeetingSnapshot{
			Code:          m.Code,
			HostID:        m.HostID,
			CreatedAt:     m.CreatedAt,
			AdmittedCount: len(m.admitted),
			WaitingCount:  len(m.waiting),
		})
	}
	return out
}

// MeetingCount returns the number of currently live meetings.
func (r *Registry) MeetingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.meetings)
}

// ParticipantCount returns the number of participants currently bound to a meeting.
func (r *Registry) ParticipantCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// BroadcastChat delivers a CHAT_BROADCAST to every admitted member of a
// meeting except the sender, or unicasts to a single admitted target if
// to is non-nil and names an admitted member. Returns false if a unicast
// target is not an admitted member of the sender's meeting.
func (r *Registry) BroadcastChat(code string, fromID uint32, to *uint32, text string, ts int64) bool {
	r.mu.RLock()
	m, ok := r.meetings[code]
	if !ok {
		r.mu.RUnlock()
		return false
	}
	if to != nil {
		if indexOf(m.admitted, *to) < 0 {
			r.mu.RUnlock()
			return false
		}
		target := r.participants[*to]
		r.mu.RUnlock()
		if target != nil {
			r.sendTo(target, protocol.Message{Type: protocol.TypeChatBroadcast, From: fromID, Text: text, TS: ts})
		}
		return true
	}
	targets := r.snapshotTargetsLocked(m.admitted, fromID)
	r.mu.RUnlock()

	r.broadcastTo(targets, protocol.Message{Type: protocol.TypeChatBroadcast, From: fromID, Text: text, TS: ts})
	return true
}

// ResolveTargets returns the participant(s) a FILE_START/FILE_* message
// addressed from fromID should be delivered to: the single admitted member
// named by to, or the entire admitted set except the sender when to is nil.
// It returns ErrMeetingNotFound if fromID is not currently bound to a
// meeting, and ErrParticipantNotFound if to names a participant who is not
// an admitted member of that meeting.
func (r *Registry) ResolveTargets(fromID uint32, to *uint32) ([]*Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	code, ok := r.memberOf[fromID]
	if !ok {
		return nil, ErrMeetingNotFound
	}
	m := r.meetings[code]
	if m == nil {
		return nil, ErrMeetingNotFound
	}

	if to != nil {
		if indexOf(m.admitted, *to) < 0 {
			return nil, ErrParticipantNotFound
		}
		target := r.participants[*to]
		if target == nil {
			return nil, ErrParticipantNotFound
		}
		return []*Participant{target}, nil
	}
	return r.snapshotTargetsLocked(m.admitted, fromID), nil
}

// RouteVideoStats forwards a VIDEO_STATS_UPDATE to the named media sender,
// provided it is an admitted member of the same meeting as the reporter.
func (r *Registry) RouteVideoStats(code string, msg protocol.Message) bool {
	r.mu.RLock()
	m, ok := r.meetings[code]
	if !ok || indexOf(m.admitted, msg.FromMediaSender) < 0 {
		r.mu.RUnlock()
		return false
	}
	target := r.participants[msg.FromMediaSender]
	r.mu.RUnlock()
	if target == nil {
		return false
	}
	out := msg
	out.Type = protocol.TypeVideoStatsUpdate
	r.sendTo(target, out)
	return true
}

// snapshotTargetsLocked must be called while r.mu is held. It returns the
// live *Participant for each admitted id except excludeID.
func (r *Registry) snapshotTargetsLocked(admitted []uint32, excludeID uint32) []*Participant {
	out := make([]*Participant, 0, len(admitted))
	for _, id := range admitted {
		if id == excludeID {
			continue
		}
		if p := r.participants[id]; p != nil {
			out = append(out, p)
		}
	}
	return out
}

func (r *Registry) sendTo(p *Participant, msg protocol.Message) {
	frame, err := encodeFrame(msg)
	if err != nil {
		log.Printf("[registry] marshal error: %v", err)
		return
	}
	p.Outbox.Enqueue(frame)
}

func (r *Registry) broadcastTo(targets []*Participant, msg protocol.Message) {
	frame, err := encodeFrame(msg)
	if err != nil {
		log.Printf("[registry] marshal error: %v", err)
		return
	}
	for _, p := range targets {
		p.Outbox.Enqueue(frame)
	}
}

func (r *Registry) audit(action string, actorID, targetID uint32, code string) {
	r.mu.RLock()
	fn := r.auditLog
	r.mu.RUnlock()
	if fn != nil {
		fn(action, actorID, targetID, code)
	}
}

func encodeFrame(msg protocol.Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("registry: marshal message: %w", err)
	}
	return protocol.Encode(body), nil
}

func indexOf(s []uint32, v uint32) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

func removeAt(s []uint32, idx int) []uint32 {
	return append(s[:idx], s[idx+1:]...)
}
