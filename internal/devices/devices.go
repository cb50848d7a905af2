// Package devices tracks the clients attached to each session and runs the
// local side of the primary-device election protocol. The arbitration
// authority itself lives on the backend; this coordinator sends requests,
// applies whatever results arrive, and guarantees it never asserts two
// primaries locally.
package devices

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/zulandar/signalbox/internal/envelope"
)

const (
	// DefaultHeartbeatInterval is how often attached devices are expected
	// to touch. A device silent for two intervals is considered stale.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultElectionTimeout bounds how long RequestPrimary and
	// TransferPrimary wait for the authority's answer.
	DefaultElectionTimeout = 10 * time.Second

	stalenessMultiplier = 2
)

var (
	// ErrNotJoined is returned when an operation names a device that is not
	// attached to the session.
	ErrNotJoined = errors.New("device not joined")
	// ErrNotPrimary is returned when a transfer is requested by a device
	// that does not hold primary.
	ErrNotPrimary = errors.New("device is not primary")
	// ErrElectionTimeout is returned when the authority does not answer
	// within the election timeout.
	ErrElectionTimeout = errors.New("election timed out")
)

// Election outcomes, matching the wire values the authority sends.
const (
	OutcomePrimary   = "primary"
	OutcomeSecondary = "secondary"
	OutcomeFailed    = "failed"
)

// ElectionState tracks a device's position in the election protocol.
type ElectionState string

const (
	ElectionNone         ElectionState = "none"
	ElectionRequesting   ElectionState = "requesting"
	ElectionPrimary      ElectionState = "primary"
	ElectionSecondary    ElectionState = "secondary"
	ElectionTransferring ElectionState = "transferring"
	ElectionFailed       ElectionState = "failed"
)

// Device is one client attachment to a session.
type Device struct {
	DeviceID   string        `json:"device_id"`
	SessionID  string        `json:"session_id"`
	Platform   string        `json:"platform,omitempty"`
	IsPrimary  bool          `json:"is_primary"`
	Election   ElectionState `json:"election"`
	JoinedAt   time.Time     `json:"joined_at"`
	LastSeenAt time.Time     `json:"last_seen_at"`
}

// Authority sends election traffic to the backend arbiter. Answers come back
// asynchronously through ApplyElectionResult and ApplyTransfer, driven by
// the inbound message loop.
type Authority interface {
	RequestPrimary(ctx context.Context, sessionID, deviceID string) error
	TransferPrimary(ctx context.Context, sessionID, fromDeviceID, toDeviceID string) error
}

// Store mirrors device membership to durable storage. Mirror failures are
// logged and do not block the protocol.
type Store interface {
	SaveDevice(d Device) error
	DeleteDevice(sessionID, deviceID string) error
}

// Opts configures a Coordinator.
type Opts struct {
	Authority         Authority
	Store             Store
	HeartbeatInterval time.Duration
	ElectionTimeout   time.Duration
}

type sessionState struct {
	devices      map[string]*Device
	primary      string    // device id, empty when none
	lastResultAt time.Time // timestamp of the latest applied election result
}

type waiterKey struct{ sessionID, deviceID string }

// Coordinator owns the device rosters and election state for all sessions.
type Coordinator struct {
	authority Authority
	store     Store
	heartbeat time.Duration
	timeout   time.Duration

	mu       sync.Mutex
	sessions map[string]*sessionState
	waiters  map[waiterKey]chan envelope.ElectionResult
}

// New builds a Coordinator from opts, applying defaults for zero fields.
func New(opts Opts) *Coordinator {
	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	timeout := opts.ElectionTimeout
	if timeout <= 0 {
		timeout = DefaultElectionTimeout
	}
	return &Coordinator{
		authority: opts.Authority,
		store:     opts.Store,
		heartbeat: heartbeat,
		timeout:   timeout,
		sessions:  make(map[string]*sessionState),
		waiters:   make(map[waiterKey]chan envelope.ElectionResult),
	}
}

// SetAuthority installs the election authority. The bridge implements the
// authority over its own transport, so it wires itself in after both sides
// are constructed. Must be called before any election traffic starts.
func (c *Coordinator) SetAuthority(a Authority) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authority = a
}

// Join attaches a device to a session. The first device to join becomes
// primary unconditionally; later joiners come in as secondaries.
func (c *Coordinator) Join(sessionID, deviceID, platform string) (Device, error) {
	if sessionID == "" || deviceID == "" {
		return Device{}, fmt.Errorf("devices: sessionID and deviceID are required")
	}

	c.mu.Lock()
	ss := c.sessionLocked(sessionID)
	now := time.Now()
	d := ss.devices[deviceID]
	if d == nil {
		d = &Device{
			DeviceID:  deviceID,
			SessionID: sessionID,
			Platform:  platform,
			JoinedAt:  now,
			Election:  ElectionNone,
		}
		ss.devices[deviceID] = d
	}
	d.LastSeenAt = now
	if ss.primary == "" {
		ss.primary = deviceID
		d.IsPrimary = true
		d.Election = ElectionPrimary
		log.Printf("devices: %s bootstrapped as primary for session %s", deviceID, sessionID)
	} else if ss.primary != deviceID {
		d.IsPrimary = false
		if d.Election == ElectionNone {
			d.Election = ElectionSecondary
		}
	}
	snap := *d
	c.mu.Unlock()

	c.mirrorSave(snap)
	return snap, nil
}

// Leave detaches a device. A departing primary clears primary status
// session-wide; no secondary is promoted automatically, a survivor must
// explicitly request primary.
func (c *Coordinator) Leave(sessionID, deviceID string) {
	c.mu.Lock()
	ss := c.sessions[sessionID]
	if ss == nil {
		c.mu.Unlock()
		return
	}
	_, present := ss.devices[deviceID]
	delete(ss.devices, deviceID)
	if ss.primary == deviceID {
		ss.primary = ""
		log.Printf("devices: primary %s left session %s, primary cleared", deviceID, sessionID)
	}
	if len(ss.devices) == 0 {
		delete(c.sessions, sessionID)
	}
	c.mu.Unlock()

	if present && c.store != nil {
		if err := c.store.DeleteDevice(sessionID, deviceID); err != nil {
			log.Printf("devices: delete device %s: %v", deviceID, err)
		}
	}
}

// Touch refreshes a device's heartbeat.
func (c *Coordinator) Touch(sessionID, deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ss := c.sessions[sessionID]; ss != nil {
		if d := ss.devices[deviceID]; d != nil {
			d.LastSeenAt = time.Now()
		}
	}
}

// RequestPrimary asks for primary status. When the session has no primary
// the first valid request wins immediately; otherwise the request goes to
// the backend authority and blocks until a result arrives or the election
// timeout passes.
func (c *Coordinator) RequestPrimary(ctx context.Context, sessionID, deviceID string) error {
	c.mu.Lock()
	ss := c.sessions[sessionID]
	if ss == nil || ss.devices[deviceID] == nil {
		c.mu.Unlock()
		return fmt.Errorf("devices: request primary %s/%s: %w", sessionID, deviceID, ErrNotJoined)
	}
	d := ss.devices[deviceID]
	if ss.primary == deviceID {
		c.mu.Unlock()
		return nil
	}
	if ss.primary == "" {
		ss.primary = deviceID
		d.IsPrimary = true
		d.Election = ElectionPrimary
		ss.lastResultAt = time.Now()
		snap := *d
		c.mu.Unlock()
		c.mirrorSave(snap)
		return nil
	}

	d.Election = ElectionRequesting
	key := waiterKey{sessionID, deviceID}
	wait := make(chan envelope.ElectionResult, 1)
	c.waiters[key] = wait
	auth := c.authority
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.waiters[key] == wait {
			delete(c.waiters, key)
		}
		c.mu.Unlock()
	}()

	if auth == nil {
		c.setElection(sessionID, deviceID, ElectionFailed)
		return fmt.Errorf("devices: request primary %s/%s: no election authority", sessionID, deviceID)
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := auth.RequestPrimary(reqCtx, sessionID, deviceID); err != nil {
		c.setElection(sessionID, deviceID, ElectionFailed)
		return fmt.Errorf("devices: request primary %s/%s: %w", sessionID, deviceID, err)
	}

	select {
	case res := <-wait:
		if res.Outcome == OutcomePrimary && res.DeviceID == deviceID {
			return nil
		}
		return fmt.Errorf("devices: request primary %s/%s: outcome %s", sessionID, deviceID, res.Outcome)
	case <-reqCtx.Done():
		c.setElection(sessionID, deviceID, ElectionFailed)
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("devices: request primary %s/%s: %w", sessionID, deviceID, ErrElectionTimeout)
		}
		return fmt.Errorf("devices: request primary %s/%s: %w", sessionID, deviceID, reqCtx.Err())
	}
}

// ApplyElectionResult applies an authority verdict to local state. Results
// are timestamped; a result older than the last applied one is discarded,
// so out-of-order delivery cannot flip primary backwards.
func (c *Coordinator) ApplyElectionResult(sessionID string, res envelope.ElectionResult) {
	c.mu.Lock()
	ss := c.sessions[sessionID]
	if ss == nil {
		c.mu.Unlock()
		return
	}
	if !res.ElectedAt.After(ss.lastResultAt) && !ss.lastResultAt.IsZero() {
		c.mu.Unlock()
		log.Printf("devices: stale election result for session %s (device %s), ignored", sessionID, res.DeviceID)
		return
	}
	ss.lastResultAt = res.ElectedAt

	var changed []Device
	switch res.Outcome {
	case OutcomePrimary:
		for id, d := range ss.devices {
			wasPrimary := d.IsPrimary
			d.IsPrimary = id == res.DeviceID
			if d.IsPrimary {
				d.Election = ElectionPrimary
			} else if wasPrimary || d.Election == ElectionPrimary {
				d.Election = ElectionSecondary
			}
			if wasPrimary != d.IsPrimary {
				changed = append(changed, *d)
			}
		}
		ss.primary = res.DeviceID
	case OutcomeSecondary, OutcomeFailed:
		if d := ss.devices[res.DeviceID]; d != nil {
			if res.Outcome == OutcomeSecondary {
				d.Election = ElectionSecondary
			} else {
				d.Election = ElectionFailed
			}
		}
	}

	if wait := c.waiters[waiterKey{sessionID, res.DeviceID}]; wait != nil {
		select {
		case wait <- res:
		default:
		}
	}
	c.mu.Unlock()

	for _, d := range changed {
		c.mirrorSave(d)
	}
}

// TransferPrimary hands primary from its current holder to another joined
// device. The handover is confirmed by the backend; until the confirmation
// arrives the origin stays primary, and on failure it keeps primary with
// its election state marked failed for retry.
func (c *Coordinator) TransferPrimary(ctx context.Context, sessionID, fromDeviceID, toDeviceID string) error {
	c.mu.Lock()
	ss := c.sessions[sessionID]
	if ss == nil || ss.devices[fromDeviceID] == nil {
		c.mu.Unlock()
		return fmt.Errorf("devices: transfer primary %s/%s: %w", sessionID, fromDeviceID, ErrNotJoined)
	}
	if ss.primary != fromDeviceID {
		c.mu.Unlock()
		return fmt.Errorf("devices: transfer primary %s/%s: %w", sessionID, fromDeviceID, ErrNotPrimary)
	}
	target := ss.devices[toDeviceID]
	if target == nil {
		c.mu.Unlock()
		return fmt.Errorf("devices: transfer primary %s/%s: target %s: %w", sessionID, fromDeviceID, toDeviceID, ErrNotJoined)
	}
	origin := ss.devices[fromDeviceID]
	origin.Election = ElectionTransferring
	key := waiterKey{sessionID, toDeviceID}
	wait := make(chan envelope.ElectionResult, 1)
	c.waiters[key] = wait
	auth := c.authority
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.waiters[key] == wait {
			delete(c.waiters, key)
		}
		c.mu.Unlock()
	}()

	if auth == nil {
		c.setElection(sessionID, fromDeviceID, ElectionFailed)
		return fmt.Errorf("devices: transfer primary %s/%s: no election authority", sessionID, fromDeviceID)
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := auth.TransferPrimary(reqCtx, sessionID, fromDeviceID, toDeviceID); err != nil {
		c.setElection(sessionID, fromDeviceID, ElectionFailed)
		return fmt.Errorf("devices: transfer primary %s/%s: %w", sessionID, fromDeviceID, err)
	}

	select {
	case <-wait:
		return nil
	case <-reqCtx.Done():
		c.setElection(sessionID, fromDeviceID, ElectionFailed)
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("devices: transfer primary %s/%s: %w", sessionID, fromDeviceID, ErrElectionTimeout)
		}
		return fmt.Errorf("devices: transfer primary %s/%s: %w", sessionID, fromDeviceID, reqCtx.Err())
	}
}

// ApplyTransfer applies a confirmed handover: origin becomes secondary, the
// target becomes primary. It also wakes a blocked TransferPrimary call.
func (c *Coordinator) ApplyTransfer(sessionID string, tr envelope.PrimaryTransferred) {
	c.ApplyElectionResult(sessionID, envelope.ElectionResult{
		DeviceID:  tr.ToDeviceID,
		Outcome:   OutcomePrimary,
		ElectedAt: tr.TransferredAt,
	})
}

// SweepStale removes devices that have not heartbeated within twice the
// heartbeat interval. A stale primary clears primary status the same way an
// explicit leave does. Returns the removed devices.
func (c *Coordinator) SweepStale() []Device {
	cutoff := time.Now().Add(-stalenessMultiplier * c.heartbeat)

	c.mu.Lock()
	var removed []Device
	for sessionID, ss := range c.sessions {
		for id, d := range ss.devices {
			if d.LastSeenAt.After(cutoff) {
				continue
			}
			removed = append(removed, *d)
			delete(ss.devices, id)
			if ss.primary == id {
				ss.primary = ""
				log.Printf("devices: stale primary %s removed from session %s, primary cleared", id, sessionID)
			} else {
				log.Printf("devices: stale device %s removed from session %s", id, sessionID)
			}
		}
		if len(ss.devices) == 0 {
			delete(c.sessions, sessionID)
		}
	}
	c.mu.Unlock()

	if c.store != nil {
		for _, d := range removed {
			if err := c.store.DeleteDevice(d.SessionID, d.DeviceID); err != nil {
				log.Printf("devices: delete device %s: %v", d.DeviceID, err)
			}
		}
	}
	return removed
}

// ActiveDevices returns the device ids attached to a session, sorted.
func (c *Coordinator) ActiveDevices(sessionID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ss := c.sessions[sessionID]
	if ss == nil {
		return nil
	}
	out := make([]string, 0, len(ss.devices))
	for id := range ss.devices {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Primary returns the session's primary device id, if one is set.
func (c *Coordinator) Primary(sessionID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ss := c.sessions[sessionID]
	if ss == nil || ss.primary == "" {
		return "", false
	}
	return ss.primary, true
}

// Devices returns a snapshot of a session's roster, sorted by device id.
func (c *Coordinator) Devices(sessionID string) []Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	ss := c.sessions[sessionID]
	if ss == nil {
		return nil
	}
	out := make([]Device, 0, len(ss.devices))
	for _, d := range ss.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// sessionLocked returns the session state, creating it if absent.
// Caller holds mu.
func (c *Coordinator) sessionLocked(sessionID string) *sessionState {
	ss := c.sessions[sessionID]
	if ss == nil {
		ss = &sessionState{devices: make(map[string]*Device)}
		c.sessions[sessionID] = ss
	}
	return ss
}

func (c *Coordinator) setElection(sessionID, deviceID string, state ElectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ss := c.sessions[sessionID]; ss != nil {
		if d := ss.devices[deviceID]; d != nil {
			d.Election = state
		}
	}
}

func (c *Coordinator) mirrorSave(d Device) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveDevice(d); err != nil {
		log.Printf("devices: persist device %s: %v", d.DeviceID, err)
	}
}
