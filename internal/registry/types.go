package registry

import (
	"sync/atomic"
	"time"
)

// MaxNameLength is the maximum participant/display-name length in UTF-8
// bytes, per spec.md §3.
const MaxNameLength = 64

// Outbox delivers framed control messages to one connection's write queue.
// Enqueue must never block; an implementation backed by a bounded channel
// should select-default and handle overflow by closing its connection, so
// that a registry-wide broadcast can never stall on a slow peer (spec.md §5).
type Outbox interface {
	Enqueue(frame []byte)
}

// AdmissionNotifier lets the control dispatcher keep a connection's own
// state machine (spec.md §4.3: UNBOUND/HOST_OF/WAITING_IN/MEMBER_OF) in
// sync with a decision made on a *different* connection: the host
// admitting or denying a waiter, or the host's own departure dissolving
// the meeting out from under everyone else. Without this callback a
// waiter's or member's Conn would stay stuck in its old state after the
// registry has already moved it to admitted, denied it, or evicted it.
type AdmissionNotifier interface {
	// Admitted fires when the registry moves this participant from
	// waiting to admitted in the named meeting.
	Admitted(code string)
	// Released fires when the registry denies a waiter, or evicts a
	// participant as part of dissolving a meeting whose host departed.
	// Either way the connection returns to UNBOUND.
	Released()
}

// Participant is a logical member of a meeting. The registry is the sole
// owner of Participant values; callers outside this package access fields
// through the accessor methods below only from within a registry callback
// (e.g. a broadcast) to avoid racing on mutable fields such as Muted.
type Participant struct {
	ID     uint32
	Name   string
	Outbox Outbox

	// Notify is optional; when set, Registry.Admit/Deny invoke it so the
	// owning connection can transition its own state machine. Nil in most
	// tests, which assert purely on registry-visible membership state.
	Notify AdmissionNotifier

	// DatagramAddr is intentionally absent here: per spec.md §4.4/§5 the
	// address registry is a distinct component with its own lock, ordered
	// after this registry's lock to avoid lock-cycle ordering problems.

	host bool // true iff this participant is the meeting's host

	// Advisory flags, echoed but never enforced by the server (spec.md §3).
	muted     atomic.Bool
	cameraOff atomic.Bool
}

// IsHost reports whether p is currently a meeting host.
func (p *Participant) IsHost() bool { return p.host }

// SetMuted updates the advisory mute flag.
func (p *Participant) SetMuted(v bool) { p.muted.Store(v) }

// Muted reports the advisory mute flag.
func (p *Participant) Muted() bool { return p.muted.Load() }

// SetCameraOff updates the advisory camera flag.
func (p *Participant) SetCameraOff(v bool) { p.cameraOff.Store(v) }

// CameraOff reports the advisory camera flag.
func (p *Participant) CameraOff() bool { return p.cameraOff.Load() }

// MemberSnapshot is an immutable, lock-free view of a participant used in
// membership notifications and admitted-set iteration.
type MemberSnapshot struct {
	ID     uint32
	Name   string
	IsHost bool
}

// Meeting holds one live meeting's membership. All mutation happens through
// Registry methods, which serialize access via the registry-wide lock
// (spec.md §5): Meeting itself carries no lock of its own.
type Meeting struct {
	Code      string
	HostID    uint32
	CreatedAt time.Time

	// admitted and waiting are ordered sets (insertion order), matching
	// spec.md §3's "ordered set" invariant language. Membership of a
	// participant ID in at most one of these two slices (plus absence) is
	// maintained exclusively by Registry methods.
	admitted []uint32
	waiting  []uint32
}

// Admitted returns a copy of the admitted-participant id list, in join order.
func (m *Meeting) Admitted() []uint32 {
	out := make([]uint32, len(m.admitted))
	copy(out, m.admitted)
	return out
}

// Waiting returns a copy of the waiting-participant id list, in request order.
func (m *Meeting) Waiting() []uint32 {
	out := make([]uint32, len(m.waiting))
	copy(out, m.waiting)
	return out
}
