// Package bridge composes the reliability subsystem: it owns the inbound
// message loop, routes decoded envelopes to the registry, queue, and device
// coordinator, drains queues on connection-up, and runs housekeeping.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zulandar/signalbox/internal/dedup"
	"github.com/zulandar/signalbox/internal/devices"
	"github.com/zulandar/signalbox/internal/envelope"
	"github.com/zulandar/signalbox/internal/notify"
	"github.com/zulandar/signalbox/internal/queue"
	"github.com/zulandar/signalbox/internal/registry"
	"github.com/zulandar/signalbox/internal/supervisor"
	"github.com/zulandar/signalbox/internal/transport"
)

const (
	// DefaultVerifyTimeout bounds one backend session verification round trip.
	DefaultVerifyTimeout = 5 * time.Second
	// DefaultHousekeepingInterval paces retention expiry and stale-device
	// sweeps.
	DefaultHousekeepingInterval = time.Minute
)

// ErrNoActiveSession is returned when an operation names a session the
// registry does not know. Callers recover by attaching fresh.
var ErrNoActiveSession = errors.New("bridge: no active session")

// Opts wires a Bridge together. Transport, Supervisor, Registry, Queue,
// Devices, and Dedup are required.
type Opts struct {
	Transport  transport.Transport
	Supervisor *supervisor.Supervisor
	Registry   *registry.Registry
	Queue      *queue.Queue
	Devices    *devices.Coordinator
	Dedup      *dedup.Cache
	Notify     *notify.Multi // optional alert fan-out

	QueueRetention       time.Duration // default 1h
	HousekeepingInterval time.Duration
	VerifyTimeout        time.Duration
	SweepCron            string // registry sweep schedule, default daily
}

// Bridge is the reliability facade.
type Bridge struct {
	tr      transport.Transport
	sup     *supervisor.Supervisor
	reg     *registry.Registry
	q       *queue.Queue
	dev     *devices.Coordinator
	dd      *dedup.Cache
	alerts  *notify.Multi
	verifyT time.Duration
	keepT   time.Duration
	retain  time.Duration
	cron    string

	mu      sync.Mutex
	pending map[string]chan envelope.Envelope // request id -> reply waiter
}

// New validates opts and builds a Bridge.
func New(opts Opts) (*Bridge, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("bridge: transport is required")
	}
	if opts.Supervisor == nil {
		return nil, fmt.Errorf("bridge: supervisor is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("bridge: registry is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("bridge: queue is required")
	}
	if opts.Devices == nil {
		return nil, fmt.Errorf("bridge: device coordinator is required")
	}
	if opts.Dedup == nil {
		return nil, fmt.Errorf("bridge: dedup cache is required")
	}
	verifyT := opts.VerifyTimeout
	if verifyT <= 0 {
		verifyT = DefaultVerifyTimeout
	}
	keepT := opts.HousekeepingInterval
	if keepT <= 0 {
		keepT = DefaultHousekeepingInterval
	}
	retain := opts.QueueRetention
	if retain <= 0 {
		retain = queue.DefaultRetention
	}
	cron := opts.SweepCron
	if cron == "" {
		cron = registry.DefaultSweepCron
	}
	alerts := opts.Notify
	if alerts == nil {
		alerts = notify.NewMulti()
	}
	return &Bridge{
		tr:      opts.Transport,
		sup:     opts.Supervisor,
		reg:     opts.Registry,
		q:       opts.Queue,
		dev:     opts.Devices,
		dd:      opts.Dedup,
		alerts:  alerts,
		verifyT: verifyT,
		keepT:   keepT,
		retain:  retain,
		cron:    cron,
		pending: make(map[string]chan envelope.Envelope),
	}, nil
}

// AttachDevice resolves the session for a context key, joins the device to
// it, and flushes anything the device has not seen. Returns the session id.
func (b *Bridge) AttachDevice(ctx context.Context, contextKey, deviceID, platform string) (string, error) {
	sessionID, err := b.reg.ResolveOrCreate(ctx, contextKey, b.VerifySession)
	if err != nil {
		return "", fmt.Errorf("bridge: attach %s: %w", deviceID, err)
	}
	if _, err := b.dev.Join(sessionID, deviceID, platform); err != nil {
		return "", fmt.Errorf("bridge: attach %s: %w", deviceID, err)
	}
	b.flushDevice(ctx, sessionID, deviceID)
	return sessionID, nil
}

// DetachDevice removes a device from its session.
func (b *Bridge) DetachDevice(sessionID, deviceID string) {
	b.dev.Leave(sessionID, deviceID)
}

// Heartbeat refreshes device and session liveness.
func (b *Bridge) Heartbeat(sessionID, deviceID string) {
	b.dev.Touch(sessionID, deviceID)
	b.reg.Touch(sessionID)
}

// Send enqueues an outbound payload for every device on the session. The
// message rides the queue until each attached device acknowledges it.
func (b *Bridge) Send(ctx context.Context, sessionID, contentType string, body []byte, priority envelope.Priority) (queue.Message, error) {
	if _, ok := b.reg.Lookup(sessionID); !ok {
		return queue.Message{}, fmt.Errorf("bridge: send to %s: %w", sessionID, ErrNoActiveSession)
	}
	m, err := b.q.Enqueue(sessionID, contentType, body, priority)
	if err != nil {
		return queue.Message{}, fmt.Errorf("bridge: send to %s: %w", sessionID, err)
	}
	b.reg.RecordMessage(sessionID)
	return m, nil
}

// RequestPrimaryDevice forwards a device's election request through the
// coordinator, which arbitrates via this bridge's transport.
func (b *Bridge) RequestPrimaryDevice(ctx context.Context, sessionID, deviceID string) error {
	return b.dev.RequestPrimary(ctx, sessionID, deviceID)
}

// TransferPrimaryDevice hands primary between two devices on a session.
func (b *Bridge) TransferPrimaryDevice(ctx context.Context, sessionID, fromDeviceID, toDeviceID string) error {
	return b.dev.TransferPrimary(ctx, sessionID, fromDeviceID, toDeviceID)
}

// VerifySession asks the backend whether it still recognizes a session id.
// A pong reply verifies; an error reply rejects; no reply within the verify
// timeout is a transport error.
func (b *Bridge) VerifySession(ctx context.Context, sessionID string) (bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, b.verifyT)
	defer cancel()

	reply, err := b.roundTrip(reqCtx, envelope.Envelope{
		Kind:      envelope.KindPing,
		SessionID: sessionID,
	})
	if err != nil {
		return false, fmt.Errorf("bridge: verify %s: %w", sessionID, err)
	}
	return reply.Kind == envelope.KindPong, nil
}

// RequestPrimary implements devices.Authority: it forwards the election
// request to the backend arbiter. The verdict arrives later as a
// primary-election-result envelope.
func (b *Bridge) RequestPrimary(ctx context.Context, sessionID, deviceID string) error {
	return b.tr.Send(ctx, envelope.Envelope{
		Kind:            envelope.KindElectionRequest,
		SessionID:       sessionID,
		RequestID:       uuid.NewString(),
		ElectionRequest: &envelope.ElectionRequest{DeviceID: deviceID},
	})
}

// TransferPrimary implements devices.Authority for handovers.
func (b *Bridge) TransferPrimary(ctx context.Context, sessionID, fromDeviceID, toDeviceID string) error {
	return b.tr.Send(ctx, envelope.Envelope{
		Kind:      envelope.KindTransferRequest,
		SessionID: sessionID,
		RequestID: uuid.NewString(),
		TransferRequest: &envelope.TransferRequest{
			FromDeviceID: fromDeviceID,
			ToDeviceID:   toDeviceID,
		},
	})
}

// roundTrip sends an envelope with a request id and waits for the matching
// reply.
func (b *Bridge) roundTrip(ctx context.Context, env envelope.Envelope) (envelope.Envelope, error) {
	env.RequestID = uuid.NewString()
	wait := make(chan envelope.Envelope, 1)
	b.mu.Lock()
	b.pending[env.RequestID] = wait
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, env.RequestID)
		b.mu.Unlock()
	}()

	if err := b.tr.Send(ctx, env); err != nil {
		return envelope.Envelope{}, err
	}
	select {
	case reply := <-wait:
		return reply, nil
	case <-ctx.Done():
		return envelope.Envelope{}, ctx.Err()
	}
}

// resolvePending hands a reply to a blocked round trip. Reports whether a
// waiter consumed it.
func (b *Bridge) resolvePending(env envelope.Envelope) bool {
	if env.RequestID == "" {
		return false
	}
	b.mu.Lock()
	wait := b.pending[env.RequestID]
	b.mu.Unlock()
	if wait == nil {
		return false
	}
	select {
	case wait <- env:
	default:
	}
	return true
}

// Run drives the bridge until ctx is cancelled: connects, consumes inbound
// envelopes, flushes on queue changes and reconnects, and runs housekeeping.
func (b *Bridge) Run(ctx context.Context) error {
	// When the backend is down at startup the supervisor retries with
	// backoff; queuing works the whole time and Listen attaches on the
	// first successful connect.
	var inbound <-chan envelope.Envelope
	if err := b.sup.Connect(ctx); err != nil {
		log.Printf("bridge: initial connect: %v", err)
		b.sup.OnDisconnected(err)
	} else {
		ch, err := b.tr.Listen(ctx)
		if err != nil {
			return fmt.Errorf("bridge: listen: %w", err)
		}
		inbound = ch
	}

	go b.sup.Run(ctx)
	go func() {
		if err := b.reg.Run(ctx, b.cron); err != nil {
			log.Printf("bridge: registry sweep: %v", err)
		}
	}()

	events := b.sup.Subscribe()
	keep := time.NewTicker(b.keepT)
	defer keep.Stop()

	log.Printf("bridge: running")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-inbound:
			if !ok {
				return fmt.Errorf("bridge: inbound channel closed")
			}
			b.handleInbound(ctx, env)
		case <-b.q.Changed():
			b.flushAll(ctx)
		case ev := <-events:
			// Every connect needs a fresh Listen: the read pump exits on
			// disconnect, and reconnecting alone does not resume reads.
			if ev.Type == supervisor.EventConnected {
				ch, err := b.tr.Listen(ctx)
				if err != nil {
					// Lost the link again before the pump attached; the
					// supervisor is already scheduling the next attempt.
					log.Printf("bridge: listen: %v", err)
				} else {
					inbound = ch
				}
			}
			b.handleSupervisorEvent(ctx, ev)
		case <-keep.C:
			b.housekeep(ctx)
		}
	}
}

// handleInbound routes one decoded envelope.
func (b *Bridge) handleInbound(ctx context.Context, env envelope.Envelope) {
	switch env.Kind {
	case envelope.KindPong:
		if !b.resolvePending(env) {
			log.Printf("bridge: unmatched pong (request %s)", env.RequestID)
		}

	case envelope.KindPing:
		reply := envelope.Envelope{
			Kind:      envelope.KindPong,
			RequestID: env.RequestID,
			SessionID: env.SessionID,
		}
		if err := b.tr.Send(ctx, reply); err != nil {
			log.Printf("bridge: pong: %v", err)
		}

	case envelope.KindSessionCreated:
		b.reg.Adopt(env.SessionCreated.SessionID, env.SessionCreated.ContextKey)

	case envelope.KindMessage:
		f := dedup.FingerprintOf(env.Message, time.Now())
		if b.dd.Contains(f) {
			log.Printf("bridge: duplicate message %s dropped", env.Message.ID)
			return
		}
		b.dd.Append(f)
		if _, ok := b.reg.Lookup(env.SessionID); !ok {
			log.Printf("bridge: message %s for unknown session %s dropped", env.Message.ID, env.SessionID)
			return
		}
		_, err := b.q.EnqueueWithID(env.Message.ID, env.SessionID, env.Message.ContentType, env.Message.Body, env.Priority)
		if err != nil {
			log.Printf("bridge: enqueue inbound %s: %v", env.Message.ID, err)
			if errors.Is(err, queue.ErrQueueFull) {
				b.alerts.Send(ctx, notify.Alert{
					Severity: notify.SeverityWarning,
					Title:    "queue full",
					Detail:   fmt.Sprintf("session %s rejected message %s", env.SessionID, env.Message.ID),
				})
			}
			return
		}
		b.reg.RecordMessage(env.SessionID)

	case envelope.KindAck:
		b.q.MarkDelivered(env.SessionID, env.Ack.MessageID, env.Ack.DeviceID)
		b.dev.Touch(env.SessionID, env.Ack.DeviceID)
		b.reg.Touch(env.SessionID)

	case envelope.KindElectionResult:
		b.dev.ApplyElectionResult(env.SessionID, *env.ElectionResult)

	case envelope.KindPrimaryTransferred:
		b.dev.ApplyTransfer(env.SessionID, *env.PrimaryTransferred)

	case envelope.KindError:
		if b.resolvePending(env) {
			return
		}
		log.Printf("bridge: backend error %s: %s", env.Error.Code, env.Error.Message)

	default:
		log.Printf("bridge: unhandled envelope kind %q", env.Kind)
	}
}

func (b *Bridge) handleSupervisorEvent(ctx context.Context, ev supervisor.Event) {
	switch ev.Type {
	case supervisor.EventConnected:
		log.Printf("bridge: connected, draining queues")
		b.flushAll(ctx)
	case supervisor.EventError:
		b.alerts.Send(ctx, notify.Alert{
			Severity: notify.SeverityCritical,
			Title:    "reconnect attempts exhausted",
			Detail:   ev.Details,
		})
	}
}

// flushAll drains every session queue to every attached device.
func (b *Bridge) flushAll(ctx context.Context) {
	for sessionID := range b.q.Depths() {
		b.flushSession(ctx, sessionID)
	}
}

func (b *Bridge) flushSession(ctx context.Context, sessionID string) {
	for _, deviceID := range b.dev.ActiveDevices(sessionID) {
		b.flushDevice(ctx, sessionID, deviceID)
	}
}

// flushDevice sends everything the device has not acknowledged. Delivery
// state is only mutated by acks; a resend before the ack arrives is absorbed
// by the device's own dedup cache. While the transport is down nothing is
// flushed at all, so messages queued through an outage keep their full
// attempt budget for when the link returns.
func (b *Bridge) flushDevice(ctx context.Context, sessionID, deviceID string) {
	if b.sup.State() != supervisor.StateConnected {
		return
	}
	for _, m := range b.q.Flush(sessionID, deviceID) {
		env := envelope.Envelope{
			Kind:      envelope.KindMessage,
			SessionID: sessionID,
			Priority:  m.Priority,
			Message: &envelope.Message{
				ID:          m.MessageID,
				ContentType: m.Kind,
				Body:        json.RawMessage(m.Payload),
			},
		}
		if err := b.tr.Send(ctx, env); err != nil {
			log.Printf("bridge: flush %s to %s: %v", m.MessageID, deviceID, err)
			return // transport is down, the queue keeps the rest
		}
	}
}

func (b *Bridge) housekeep(ctx context.Context) {
	if n := b.q.ExpireOlderThan(b.retain); n > 0 {
		b.alerts.Send(ctx, notify.Alert{
			Severity: notify.SeverityWarning,
			Title:    "messages dead-lettered",
			Detail:   fmt.Sprintf("%d messages exceeded the retention window", n),
		})
	}
	if removed := b.dev.SweepStale(); len(removed) > 0 {
		log.Printf("bridge: swept %d stale devices", len(removed))
	}
}

// Snapshot is a read-only diagnostics view for the dashboard and CLI.
type Snapshot struct {
	State       supervisor.State    `json:"state"`
	Quality     supervisor.Quality  `json:"quality"`
	Exhausted   bool                `json:"exhausted"`
	Events      []supervisor.Event  `json:"events"`
	Sessions    []registry.Session  `json:"sessions"`
	QueueDepths map[string]int      `json:"queue_depths"`
	DeadLetters []queue.DeadLetter  `json:"dead_letters"`
	Recent      []dedup.Fingerprint `json:"recent_fingerprints"`
}

// Diagnostics assembles the current Snapshot.
func (b *Bridge) Diagnostics() Snapshot {
	return Snapshot{
		State:       b.sup.State(),
		Quality:     b.sup.Quality(),
		Exhausted:   b.sup.Exhausted(),
		Events:      b.sup.Events(),
		Sessions:    b.reg.Snapshot(),
		QueueDepths: b.q.Depths(),
		DeadLetters: b.q.DeadLetters(),
		Recent:      b.dd.Recent(10),
	}
}

// SessionDevices exposes the device roster for diagnostics.
func (b *Bridge) SessionDevices(sessionID string) []devices.Device {
	return b.dev.Devices(sessionID)
}
