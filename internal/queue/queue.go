// Package queue implements per-session, priority-ordered outbound delivery
// with per-device tracking and a dead-letter lane for exhausted messages.
package queue

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zulandar/signalbox/internal/envelope"
)

const (
	// DefaultMaxDepth caps the number of active messages per session.
	DefaultMaxDepth = 1000
	// DefaultMaxAttempts is how many flush cycles a message may go through
	// without an acknowledgment before it is dead-lettered.
	DefaultMaxAttempts = 3
	// DefaultRetention is how long an undelivered message may sit in the
	// queue before the housekeeping pass dead-letters it.
	DefaultRetention = time.Hour
)

// ErrQueueFull is returned by Enqueue when a session's queue is at capacity.
var ErrQueueFull = errors.New("queue full")

// Dead-letter reasons.
const (
	ReasonExpired     = "retention exceeded"
	ReasonMaxAttempts = "max delivery attempts exceeded"
)

// Message is a unit of outbound delivery.
type Message struct {
	MessageID   string            `json:"message_id"`
	SessionID   string            `json:"session_id"`
	Kind        string            `json:"kind"`
	Payload     []byte            `json:"payload,omitempty"`
	Priority    envelope.Priority `json:"priority"`
	EnqueuedAt  time.Time         `json:"enqueued_at"`
	Attempts    int               `json:"attempts"`
	DeliveredTo []string          `json:"delivered_to,omitempty"`
}

// DeadLetter is a message that exhausted its retries or retention window.
type DeadLetter struct {
	Message
	Reason         string    `json:"reason"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

type queuedMessage struct {
	Message
	seq       uint64
	delivered map[string]bool
	pending   map[string]bool // devices flushed to since their last ack
	attempts  map[string]int  // unacknowledged re-flushes per device
}

func (m *queuedMessage) snapshot() Message {
	cp := m.Message
	for _, n := range m.attempts {
		if n > cp.Attempts {
			cp.Attempts = n
		}
	}
	cp.DeliveredTo = make([]string, 0, len(m.delivered))
	for id := range m.delivered {
		cp.DeliveredTo = append(cp.DeliveredTo, id)
	}
	sort.Strings(cp.DeliveredTo)
	return cp
}

type sessionQueue struct {
	paused bool
	active []*queuedMessage
}

// DeviceLister reports the devices currently attached to a session. The
// queue recomputes the required recipient set from it at flush and retire
// time, so a device that joins after a partial delivery still receives
// older messages.
type DeviceLister interface {
	ActiveDevices(sessionID string) []string
}

// Store mirrors queue mutations to durable storage for crash recovery.
// Mirror failures are logged and do not block delivery.
type Store interface {
	SaveMessage(m Message) error
	RetireMessage(messageID, status, reason string) error
}

// Store status values.
const (
	StatusRetired    = "retired"
	StatusDeadLetter = "dead-letter"
)

// Opts configures a Queue. The zero value is usable.
type Opts struct {
	MaxDepth    int
	MaxAttempts int
	Devices     DeviceLister
	Store       Store
	Mint        func() string // message id generator, uuid by default
	Preload     []Message     // undelivered messages recovered at startup
}

// Queue holds the active per-session queues and the dead-letter lane.
type Queue struct {
	maxDepth    int
	maxAttempts int
	devices     DeviceLister
	store       Store
	mint        func() string

	mu       sync.Mutex
	sessions map[string]*sessionQueue
	dead     []DeadLetter
	nextSeq  uint64

	changed chan struct{}
}

// New builds a Queue from opts, applying defaults for zero fields.
func New(opts Opts) *Queue {
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	mint := opts.Mint
	if mint == nil {
		mint = uuid.NewString
	}
	q := &Queue{
		maxDepth:    maxDepth,
		maxAttempts: maxAttempts,
		devices:     opts.Devices,
		store:       opts.Store,
		mint:        mint,
		sessions:    make(map[string]*sessionQueue),
		changed:     make(chan struct{}, 1),
	}
	for _, m := range opts.Preload {
		if m.SessionID == "" || m.MessageID == "" {
			continue
		}
		qm := &queuedMessage{
			Message:   m,
			seq:       q.nextSeq,
			delivered: make(map[string]bool),
			pending:   make(map[string]bool),
			attempts:  make(map[string]int),
		}
		qm.DeliveredTo = nil
		for _, id := range m.DeliveredTo {
			qm.delivered[id] = true
		}
		q.nextSeq++
		q.sessionLocked(m.SessionID).active = append(q.sessionLocked(m.SessionID).active, qm)
	}
	return q
}

// Changed returns a signal channel that fires when new work may be ready to
// flush. The channel is buffered; coalesced signals are fine since a flush
// drains everything pending.
func (q *Queue) Changed() <-chan struct{} {
	return q.changed
}

func (q *Queue) signal() {
	select {
	case q.changed <- struct{}{}:
	default:
	}
}

// Enqueue appends a message for a session with a freshly minted id. It
// returns ErrQueueFull when the session's active queue is at capacity.
func (q *Queue) Enqueue(sessionID, kind string, payload []byte, priority envelope.Priority) (Message, error) {
	return q.EnqueueWithID("", sessionID, kind, payload, priority)
}

// EnqueueWithID appends a message that already has a wire identity, so later
// acknowledgments referencing that id retire the right entry. An empty id
// mints one.
func (q *Queue) EnqueueWithID(messageID, sessionID, kind string, payload []byte, priority envelope.Priority) (Message, error) {
	if sessionID == "" {
		return Message{}, fmt.Errorf("queue: sessionID is required")
	}
	if priority == "" {
		priority = envelope.PriorityNormal
	}
	if !priority.Valid() {
		return Message{}, fmt.Errorf("queue: invalid priority %q", priority)
	}
	if messageID == "" {
		messageID = q.mint()
	}

	q.mu.Lock()
	sq := q.sessionLocked(sessionID)
	if len(sq.active) >= q.maxDepth {
		q.mu.Unlock()
		return Message{}, fmt.Errorf("queue: session %s: %w", sessionID, ErrQueueFull)
	}
	qm := &queuedMessage{
		Message: Message{
			MessageID:  messageID,
			SessionID:  sessionID,
			Kind:       kind,
			Payload:    payload,
			Priority:   priority,
			EnqueuedAt: time.Now(),
		},
		seq:       q.nextSeq,
		delivered: make(map[string]bool),
		pending:   make(map[string]bool),
		attempts:  make(map[string]int),
	}
	q.nextSeq++
	sq.active = append(sq.active, qm)
	snap := qm.snapshot()
	q.mu.Unlock()

	if q.store != nil {
		if err := q.store.SaveMessage(snap); err != nil {
			log.Printf("queue: persist message %s: %v", snap.MessageID, err)
		}
	}
	q.signal()
	return snap, nil
}

// Flush returns every active message not yet delivered to forDeviceID, in
// priority-major, FIFO-minor order. A paused session yields nothing. Flush
// does not mark anything delivered; the caller acknowledges per message via
// MarkDelivered once the transport confirms transmission. Attempts are
// tracked per device: a re-flush to the same device without an
// acknowledgment in between burns one of that device's attempts, so a
// fan-out to several devices in one cycle costs nothing. A message is
// dead-lettered only once every outstanding recipient has used up its
// attempts.
func (q *Queue) Flush(sessionID, forDeviceID string) []Message {
	recipients := q.requiredRecipients(sessionID, forDeviceID)

	q.mu.Lock()
	sq := q.sessions[sessionID]
	if sq == nil || sq.paused {
		q.mu.Unlock()
		return nil
	}

	var exhausted []*queuedMessage
	var out []Message
	kept := sq.active[:0]
	for _, m := range sq.active {
		if m.delivered[forDeviceID] {
			kept = append(kept, m)
			continue
		}
		if m.pending[forDeviceID] {
			m.attempts[forDeviceID]++
		}
		if m.attempts[forDeviceID] >= q.maxAttempts {
			if q.retriesSpentLocked(m, recipients) {
				exhausted = append(exhausted, m)
				continue
			}
			kept = append(kept, m)
			continue
		}
		m.pending[forDeviceID] = true
		kept = append(kept, m)
		out = append(out, m.snapshot())
	}
	sq.active = kept
	for _, m := range exhausted {
		q.deadLetterLocked(m, ReasonMaxAttempts)
	}
	q.mu.Unlock()

	// out is already in enqueue order; a stable sort on priority class alone
	// keeps FIFO within each class.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority.Rank() < out[j].Priority.Rank()
	})
	return out
}

// MarkDelivered records that deviceID received the message. The message is
// retired once its delivered set covers the session's current device set,
// recomputed here so late joiners keep it alive until they are served too.
func (q *Queue) MarkDelivered(sessionID, messageID, deviceID string) {
	required := q.requiredRecipients(sessionID, deviceID)

	q.mu.Lock()
	sq := q.sessions[sessionID]
	if sq == nil {
		q.mu.Unlock()
		return
	}
	var retired *queuedMessage
	for i, m := range sq.active {
		if m.MessageID != messageID {
			continue
		}
		m.delivered[deviceID] = true
		delete(m.pending, deviceID)
		delete(m.attempts, deviceID)
		if coveredLocked(m.delivered, required) {
			retired = m
			sq.active = append(sq.active[:i], sq.active[i+1:]...)
		}
		break
	}
	q.mu.Unlock()

	if retired != nil && q.store != nil {
		if err := q.store.RetireMessage(messageID, StatusRetired, ""); err != nil {
			log.Printf("queue: retire message %s: %v", messageID, err)
		}
	}
}

// Pause stops deliveries for a session. Enqueues still accepted.
func (q *Queue) Pause(sessionID string) {
	q.mu.Lock()
	q.sessionLocked(sessionID).paused = true
	q.mu.Unlock()
}

// Resume re-enables deliveries and fires the changed signal so pending
// messages are flushed promptly.
func (q *Queue) Resume(sessionID string) {
	q.mu.Lock()
	sq := q.sessions[sessionID]
	if sq != nil {
		sq.paused = false
	}
	q.mu.Unlock()
	q.signal()
}

// Paused reports whether a session's deliveries are paused.
func (q *Queue) Paused(sessionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	sq := q.sessions[sessionID]
	return sq != nil && sq.paused
}

// ExpireOlderThan moves active messages older than the retention window to
// the dead-letter lane and returns how many were moved.
func (q *Queue) ExpireOlderThan(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)

	q.mu.Lock()
	moved := 0
	for _, sq := range q.sessions {
		kept := sq.active[:0]
		for _, m := range sq.active {
			if m.EnqueuedAt.Before(cutoff) {
				q.deadLetterLocked(m, ReasonExpired)
				moved++
				continue
			}
			kept = append(kept, m)
		}
		sq.active = kept
	}
	q.mu.Unlock()
	return moved
}

// UpdatePriority reassigns a message's priority class. It reports whether
// the message was found; a retired or dead-lettered message is a no-op.
func (q *Queue) UpdatePriority(sessionID, messageID string, priority envelope.Priority) bool {
	if !priority.Valid() {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	sq := q.sessions[sessionID]
	if sq == nil {
		return false
	}
	for _, m := range sq.active {
		if m.MessageID == messageID {
			m.Priority = priority
			return true
		}
	}
	return false
}

// Depth returns the number of active messages queued for a session.
func (q *Queue) Depth(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	sq := q.sessions[sessionID]
	if sq == nil {
		return 0
	}
	return len(sq.active)
}

// Depths returns the active depth of every non-empty session queue.
func (q *Queue) Depths() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, len(q.sessions))
	for id, sq := range q.sessions {
		if len(sq.active) > 0 {
			out[id] = len(sq.active)
		}
	}
	return out
}

// DropSession discards a session's queue. Active messages are dropped
// without dead-lettering; intended for session expiry, where the recipients
// are gone too.
func (q *Queue) DropSession(sessionID string) {
	q.mu.Lock()
	delete(q.sessions, sessionID)
	q.mu.Unlock()
}

// DeadLetters returns a copy of the dead-letter lane, oldest first.
func (q *Queue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.dead))
	copy(out, q.dead)
	return out
}

// ClearDeadLetters empties the dead-letter lane and returns how many
// entries were dropped. This is the only way dead letters leave the system.
func (q *Queue) ClearDeadLetters() int {
	q.mu.Lock()
	n := len(q.dead)
	q.dead = nil
	q.mu.Unlock()
	return n
}

// sessionLocked returns the session queue, creating it if absent.
// Caller holds mu.
func (q *Queue) sessionLocked(sessionID string) *sessionQueue {
	sq := q.sessions[sessionID]
	if sq == nil {
		sq = &sessionQueue{}
		q.sessions[sessionID] = sq
	}
	return sq
}

// deadLetterLocked removes a message from active rotation into the
// dead-letter lane. Caller holds mu and has already unlinked it from the
// session's active slice.
func (q *Queue) deadLetterLocked(m *queuedMessage, reason string) {
	dl := DeadLetter{
		Message:        m.snapshot(),
		Reason:         reason,
		DeadLetteredAt: time.Now(),
	}
	q.dead = append(q.dead, dl)
	log.Printf("queue: dead-lettered message %s (session %s): %s", m.MessageID, m.SessionID, reason)
	if q.store != nil {
		if err := q.store.RetireMessage(m.MessageID, StatusDeadLetter, reason); err != nil {
			log.Printf("queue: retire message %s: %v", m.MessageID, err)
		}
	}
}

// requiredRecipients computes the device set a message must reach before it
// can retire. The acknowledging device is always required, so a session with
// no configured lister still retires on its own acknowledgments.
func (q *Queue) requiredRecipients(sessionID, ackingDevice string) map[string]bool {
	required := map[string]bool{ackingDevice: true}
	if q.devices != nil {
		for _, id := range q.devices.ActiveDevices(sessionID) {
			required[id] = true
		}
	}
	return required
}

// retriesSpentLocked reports whether every outstanding recipient of a
// message has exhausted its delivery attempts. Recipients are the session's
// current roster plus any device the message was ever flushed to, so a
// device with attempts left always keeps the message alive. Caller holds mu.
func (q *Queue) retriesSpentLocked(m *queuedMessage, recipients map[string]bool) bool {
	for id := range recipients {
		if !m.delivered[id] && m.attempts[id] < q.maxAttempts {
			return false
		}
	}
	for id := range m.pending {
		if !m.delivered[id] && m.attempts[id] < q.maxAttempts {
			return false
		}
	}
	return true
}

func coveredLocked(delivered, required map[string]bool) bool {
	for id := range required {
		if !delivered[id] {
			return false
		}
	}
	return true
}
