package relay

import (
	"context"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"meetserver/internal/registry"
)

// broadcastTarget is a point-in-time snapshot of one fan-out destination,
// captured under the address registry's read lock so the actual
// WriteTo calls happen lock-free (teacher: room.go's broadcastTarget).
type broadcastTarget struct {
	id     uint32
	addr   net.Addr
	health *sendHealth
}

// targetPool recycles []broadcastTarget slices across Broadcast calls,
// grounded on the teacher's targetPool (room.go): a sync.Pool avoids a
// data race that a single shared slice field would introduce under
// concurrent RLock-held broadcasts.
var targetPool = sync.Pool{
	New: func() any {
		s := make([]broadcastTarget, 0, 8)
		return &s
	},
}

// Stats are cumulative relay counters, exposed read-only via the REST
// status API.
type Stats struct {
	DatagramsIn        atomic.Uint64
	BytesIn            atomic.Uint64
	Malformed          atomic.Uint64
	UnknownParticipant atomic.Uint64
	SendFailures       atomic.Uint64
}

// Counters is a point-in-time, plain-value read of Stats, suitable for
// JSON encoding (atomic.Uint64 itself is not encodable).
type Counters struct {
	DatagramsIn        uint64 `json:"datagramsIn"`
	BytesIn            uint64 `json:"bytesIn"`
	Malformed          uint64 `json:"malformed"`
	UnknownParticipant uint64 `json:"unknownParticipant"`
	SendFailures       uint64 `json:"sendFailures"`
}

// Snapshot reads every counter once, for the REST status API.
func (s *Stats) Snapshot() Counters {
	return Counters{
		DatagramsIn:        s.DatagramsIn.Load(),
		BytesIn:            s.BytesIn.Load(),
		Malformed:          s.Malformed.Load(),
		UnknownParticipant: s.UnknownParticipant.Load(),
		SendFailures:       s.SendFailures.Load(),
	}
}

// Relay owns the UDP media listener: it parses inbound datagrams, tracks
// sender addresses, and fans each datagram out to the rest of its
// meeting's admitted set.
type Relay struct {
	conn  net.PacketConn
	reg   *registry.Registry
	addrs *AddressRegistry
	Stats Stats
}

// New wraps an already-bound net.PacketConn (teacher: room.go/client.go
// take the transport as a constructor argument so tests can substitute a
// fake one).
func New(conn net.PacketConn, reg *registry.Registry, addrs *AddressRegistry) *Relay {
	return &Relay{conn: conn, reg: reg, addrs: addrs}
}

// Run reads datagrams in a tight loop until ctx is cancelled or the
// socket errors, per spec.md §5 ("one task reads the datagram socket in a
// tight loop; fan-out writes execute on the same task").
func (r *Relay) Run(ctx context.Context) error {
	buf := make([]byte, MaxDatagramSize)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, addr, err := r.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		r.handleDatagram(buf[:n], addr)
	}
}

func (r *Relay) handleDatagram(data []byte, addr net.Addr) {
	r.Stats.DatagramsIn.Add(1)
	r.Stats.BytesIn.Add(uint64(len(data)))

	senderID, err := validateDatagram(data)
	if err != nil {
		r.Stats.Malformed.Add(1)
		return
	}

	if _, ok := r.reg.LookupByParticipantID(senderID); !ok {
		r.Stats.UnknownParticipant.Add(1)
		return
	}
	code, ok := r.reg.MeetingOf(senderID)
	if !ok {
		r.Stats.UnknownParticipant.Add(1)
		return
	}

	r.addrs.Observe(senderID, addr)

	members := r.reg.AdmittedMembers(code)
	sp := targetPool.Get().(*[]broadcastTarget)
	targets := (*sp)[:0]

	r.addrs.mu.RLock()
	for _, m := range members {
		if m.ID == senderID {
			continue
		}
		e, ok := r.addrs.entries[m.ID]
		if !ok || e.addr == nil {
			continue // no known return address yet, skip silently
		}
		targets = append(targets, broadcastTarget{id: m.ID, addr: e.addr, health: &e.health})
	}
	r.addrs.mu.RUnlock()

	for _, t := range targets {
		if t.health.shouldSkip() {
			continue
		}
		if _, err := r.conn.WriteTo(data, t.addr); err != nil {
			r.Stats.SendFailures.Add(1)
			n := t.health.recordFailure()
			if n == circuitBreakerThreshold {
				log.Printf("[relay] circuit breaker open for participant %d — %d consecutive send failures", t.id, n)
			}
		} else if t.health.recordSuccess() {
			log.Printf("[relay] circuit breaker closed for participant %d — send recovered", t.id)
		}
	}

	*sp = targets
	targetPool.Put(sp)
}

// validateDatagram checks the kind byte and declared payload length
// against the received size, per spec.md §4.4(a), and returns the
// originating participant id.
func validateDatagram(data []byte) (uint32, error) {
	if len(data) == 0 {
		return 0, errTooShort
	}
	switch data[0] {
	case KindVideo:
		h, err := ParseVideoHeader(data)
		if err != nil {
			return 0, err
		}
		return h.ParticipantID, nil
	case KindAudio:
		h, err := ParseAudioHeader(data)
		if err != nil {
			return 0, err
		}
		return h.ParticipantID, nil
	default:
		return 0, errUnknownKind
	}
}
