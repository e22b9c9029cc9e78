// Package call runs the signaling state machine for two-party calls: offer
// and answer relay, ring timeouts, and the one-call-per-participant rule.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pulselink/backend/internal/models"
	"github.com/pulselink/backend/internal/registry"
	"github.com/pulselink/backend/internal/repositories"
)

// Outbound signaling events.
const (
	EventIncoming  = "call:incoming"
	EventRinging   = "call:ringing"
	EventAnswered  = "call:answered"
	EventConnected = "call:connected"
	EventRejected  = "call:rejected"
	EventEnded     = "call:ended"
	EventTimeout   = "call:timeout"
	EventFailed    = "call:failed"
	EventBusy      = "call:busy"
)

// Relay kinds forwarded verbatim between the two participants while the call
// is in a non-terminal state.
const (
	RelayICECandidate     = "call:ice-candidate"
	RelayQualityUpdate    = "call:quality-update"
	RelayICERestart       = "call:ice-restart"
	RelayICERestartAnswer = "call:ice-restart-answer"
)

// End reasons recorded on the durable call record.
const (
	ReasonCompleted    = "completed"
	ReasonCanceled     = "canceled"
	ReasonRejected     = "rejected"
	ReasonNoAnswer     = "no_answer"
	ReasonDisconnected = "peer_disconnected"
	ReasonShutdown     = "server_shutdown"
	ReasonUnreachable  = "delivery_failed"
)

var (
	// ErrBusy indicates one of the participants already has a live call.
	ErrBusy = errors.New("participant busy")
	// ErrReceiverOffline indicates the receiver has no live session and no
	// alternate delivery channel is configured.
	ErrReceiverOffline = errors.New("receiver offline")
	// ErrUnreachable indicates the ring could not be delivered to the
	// receiver's live session.
	ErrUnreachable = errors.New("receiver unreachable")
)

// Archiver receives terminal call records for long-term retention. Optional
// and best-effort.
type Archiver interface {
	Enqueue(ctx context.Context, record models.CallRecord) error
}

// PushNotifier is the alternate delivery channel for receivers with no live
// session. When configured, an offline receiver still gets a created call
// and a parallel notification attempt.
type PushNotifier interface {
	NotifyIncomingCall(ctx context.Context, userID string, payload any) error
}

// Call is one live call. Transitions for a given call are totally ordered by
// its mutex; no transition runs concurrently with another for the same id.
type Call struct {
	mu sync.Mutex

	ID         string
	CallerID   string
	ReceiverID string
	CallType   string
	State      models.CallState
	Offer      json.RawMessage
	Answer     json.RawMessage
	CreatedAt  time.Time
	StartedAt  time.Time
	EndedAt    time.Time
	EndReason  string

	timer *time.Timer
}

func (c *Call) other(userID string) (string, bool) {
	switch userID {
	case c.CallerID:
		return c.ReceiverID, true
	case c.ReceiverID:
		return c.CallerID, true
	}
	return "", false
}

// CurrentState returns the call's state under its lock.
func (c *Call) CurrentState() models.CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.State
}

// Coordinator owns the active-call index and drives every call transition.
type Coordinator struct {
	registry    *registry.Registry
	records     repositories.CallRecordStore
	archiver    Archiver
	notifier    PushNotifier
	ringTimeout time.Duration
	logger      *slog.Logger

	mu     sync.Mutex
	active map[string]*Call // keyed by participant identity
	byID   map[string]*Call
}

// Config carries the coordinator's optional collaborators.
type Config struct {
	RingTimeout time.Duration
	Archiver    Archiver
	Notifier    PushNotifier
}

// NewCoordinator constructs a coordinator over the registry and record store.
func NewCoordinator(reg *registry.Registry, records repositories.CallRecordStore, cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 60 * time.Second
	}
	return &Coordinator{
		registry:    reg,
		records:     records,
		archiver:    cfg.Archiver,
		notifier:    cfg.Notifier,
		ringTimeout: cfg.RingTimeout,
		logger:      logger,
		active:      make(map[string]*Call),
		byID:        make(map[string]*Call),
	}
}

type incomingPayload struct {
	CallID   string          `json:"call_id"`
	CallerID string          `json:"caller_id"`
	CallType string          `json:"call_type"`
	Offer    json.RawMessage `json:"offer"`
}

type statePayload struct {
	CallID string          `json:"call_id"`
	PeerID string          `json:"peer_id"`
	Reason string          `json:"reason,omitempty"`
	Answer json.RawMessage `json:"answer,omitempty"`
}

// Initiate starts a call from callerID to receiverID. The busy check and the
// index insertion happen atomically under the coordinator lock so two
// simultaneous initiations naming the same participant cannot both succeed.
func (c *Coordinator) Initiate(ctx context.Context, callerID, receiverID, callType string, offer json.RawMessage) (string, error) {
	// Busy takes precedence over offline. This pre-check is advisory only;
	// the authoritative one repeats under the same lock as the insertion.
	c.mu.Lock()
	_, callerBusy := c.active[callerID]
	_, receiverBusy := c.active[receiverID]
	c.mu.Unlock()
	if callerBusy || receiverBusy {
		c.deliver(callerID, EventBusy, statePayload{PeerID: receiverID})
		return "", ErrBusy
	}

	receiverSession, receiverOnline := c.registry.Lookup(receiverID)
	if !receiverOnline && c.notifier == nil {
		c.deliver(callerID, EventFailed, statePayload{PeerID: receiverID, Reason: "offline"})
		return "", ErrReceiverOffline
	}

	now := time.Now().UTC()
	call := &Call{
		ID:         uuid.NewString(),
		CallerID:   callerID,
		ReceiverID: receiverID,
		CallType:   callType,
		State:      models.CallRinging,
		Offer:      offer,
		CreatedAt:  now,
	}

	// The timer exists before the call is published so every transition,
	// including a disconnect racing the initiation, can stop it.
	callID := call.ID
	call.timer = time.AfterFunc(c.ringTimeout, func() { c.handleTimeout(callID) })

	c.mu.Lock()
	_, callerBusy = c.active[callerID]
	_, receiverBusy = c.active[receiverID]
	if callerBusy || receiverBusy {
		c.mu.Unlock()
		call.timer.Stop()
		c.deliver(callerID, EventBusy, statePayload{PeerID: receiverID})
		return "", ErrBusy
	}
	c.active[callerID] = call
	c.active[receiverID] = call
	c.byID[call.ID] = call
	c.mu.Unlock()

	c.deliver(callerID, EventRinging, statePayload{CallID: callID, PeerID: receiverID})

	incoming := incomingPayload{CallID: callID, CallerID: callerID, CallType: callType, Offer: offer}
	if receiverOnline {
		if err := receiverSession.Transport.Deliver(EventIncoming, incoming); err != nil {
			c.logger.Warn("incoming call delivery failed", "call_id", callID, "receiver_id", receiverID, "error", err)
			c.fail(callID)
			return "", ErrUnreachable
		}
	}
	if !receiverOnline && c.notifier != nil {
		go func() {
			if err := c.notifier.NotifyIncomingCall(context.Background(), receiverID, incoming); err != nil {
				c.logger.Warn("push notification failed", "call_id", callID, "receiver_id", receiverID, "error", err)
			}
		}()
	}

	c.logger.Info("call initiated", "call_id", callID, "caller_id", callerID, "receiver_id", receiverID, "call_type", callType)
	return callID, nil
}

// Answer transitions a ringing call to connected and relays the answer to
// the caller. Stale answers (wrong state, unknown call, wrong sender) are
// dropped silently.
func (c *Coordinator) Answer(callID, fromID string, answer json.RawMessage) {
	call, ok := c.lookup(callID)
	if !ok {
		return
	}

	call.mu.Lock()
	if call.State != models.CallRinging || fromID != call.ReceiverID {
		call.mu.Unlock()
		return
	}
	call.timer.Stop()
	call.State = models.CallConnected
	call.StartedAt = time.Now().UTC()
	call.Answer = answer
	callerID, receiverID := call.CallerID, call.ReceiverID
	call.mu.Unlock()

	c.deliver(callerID, EventAnswered, statePayload{CallID: callID, PeerID: receiverID, Answer: answer})
	c.deliver(callerID, EventConnected, statePayload{CallID: callID, PeerID: receiverID})
	c.deliver(receiverID, EventConnected, statePayload{CallID: callID, PeerID: callerID})
	c.logger.Info("call connected", "call_id", callID)
}

// Reject transitions a ringing call to rejected. Only the receiver may
// reject; anything else is dropped silently.
func (c *Coordinator) Reject(callID, fromID string) {
	call, ok := c.lookup(callID)
	if !ok {
		return
	}

	call.mu.Lock()
	if call.State != models.CallRinging || fromID != call.ReceiverID {
		call.mu.Unlock()
		return
	}
	call.timer.Stop()
	c.finishLocked(call, models.CallRejected, ReasonRejected)
	callerID, receiverID := call.CallerID, call.ReceiverID
	call.mu.Unlock()

	c.deliver(callerID, EventRejected, statePayload{CallID: callID, PeerID: receiverID})
	c.persist(call)
	c.logger.Info("call rejected", "call_id", callID)
}

// End terminates a call from either participant. Valid from Ringing (cancel)
// or Connected (hangup); the other participant is notified.
func (c *Coordinator) End(callID, fromID string) {
	c.end(callID, fromID, "")
}

func (c *Coordinator) end(callID, fromID, forcedReason string) {
	call, ok := c.lookup(callID)
	if !ok {
		return
	}

	call.mu.Lock()
	if call.State.Terminal() {
		call.mu.Unlock()
		return
	}
	otherID, participant := call.other(fromID)
	if !participant {
		call.mu.Unlock()
		return
	}

	reason := forcedReason
	if call.State == models.CallRinging {
		call.timer.Stop()
		if reason == "" {
			reason = ReasonCanceled
		}
	} else if reason == "" {
		reason = ReasonCompleted
	}
	c.finishLocked(call, models.CallEnded, reason)
	var duration time.Duration
	if !call.StartedAt.IsZero() {
		duration = call.EndedAt.Sub(call.StartedAt)
	}
	call.mu.Unlock()

	c.deliver(otherID, EventEnded, statePayload{CallID: callID, PeerID: fromID, Reason: reason})
	c.persist(call)
	c.logger.Info("call ended", "call_id", callID, "reason", reason, "duration", duration)
}

// EndAllFor terminates any non-terminal call the identity participates in.
// Driven by the registry's disconnect hook so an abrupt disconnect behaves
// like an explicit hangup.
func (c *Coordinator) EndAllFor(userID string) {
	c.mu.Lock()
	call, ok := c.active[userID]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.end(call.ID, userID, ReasonDisconnected)
}

// Relay forwards a best-effort signaling artifact to the call's other
// participant. Valid only while the call is non-terminal; otherwise dropped
// silently. Never mutates call state.
func (c *Coordinator) Relay(callID, fromID, kind string, payload json.RawMessage) {
	switch kind {
	case RelayICECandidate, RelayQualityUpdate, RelayICERestart, RelayICERestartAnswer:
	default:
		return
	}

	call, ok := c.lookup(callID)
	if !ok {
		return
	}

	call.mu.Lock()
	terminal := call.State.Terminal()
	otherID, participant := call.other(fromID)
	call.mu.Unlock()
	if terminal || !participant {
		return
	}

	session, ok := c.registry.Lookup(otherID)
	if !ok {
		return
	}
	if err := session.Transport.Deliver(kind, payload); err != nil {
		c.logger.Debug("signal relay failed", "call_id", callID, "kind", kind, "error", err)
	}
}

// ActiveCall returns the live call the identity participates in, if any.
func (c *Coordinator) ActiveCall(userID string) (*Call, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.active[userID]
	return call, ok
}

// ActiveCount returns the number of live calls.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byID)
}

// Shutdown ends every live call with a server-shutdown reason.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	calls := make([]*Call, 0, len(c.byID))
	for _, call := range c.byID {
		calls = append(calls, call)
	}
	c.mu.Unlock()

	for _, call := range calls {
		c.end(call.ID, call.CallerID, ReasonShutdown)
	}
}

// fail moves a still-ringing call to failed when its ring never reached the
// receiver. The caller is told, the terminal record is persisted.
func (c *Coordinator) fail(callID string) {
	call, ok := c.lookup(callID)
	if !ok {
		return
	}

	call.mu.Lock()
	if call.State != models.CallRinging {
		call.mu.Unlock()
		return
	}
	call.timer.Stop()
	c.finishLocked(call, models.CallFailed, ReasonUnreachable)
	callerID, receiverID := call.CallerID, call.ReceiverID
	call.mu.Unlock()

	c.deliver(callerID, EventFailed, statePayload{CallID: callID, PeerID: receiverID, Reason: ReasonUnreachable})
	c.persist(call)
	c.logger.Info("call failed", "call_id", callID, "reason", ReasonUnreachable)
}

func (c *Coordinator) handleTimeout(callID string) {
	call, ok := c.lookup(callID)
	if !ok {
		return
	}

	call.mu.Lock()
	// A timer firing after answer/reject is a no-op.
	if call.State != models.CallRinging {
		call.mu.Unlock()
		return
	}
	c.finishLocked(call, models.CallMissed, ReasonNoAnswer)
	callerID, receiverID := call.CallerID, call.ReceiverID
	call.mu.Unlock()

	c.deliver(callerID, EventTimeout, statePayload{CallID: callID, PeerID: receiverID, Reason: ReasonNoAnswer})
	c.persist(call)
	c.logger.Info("call missed", "call_id", callID)
}

func (c *Coordinator) lookup(callID string) (*Call, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.byID[callID]
	return call, ok
}

// finishLocked records the terminal state and removes the call from the live
// index. Caller holds call.mu.
func (c *Coordinator) finishLocked(call *Call, state models.CallState, reason string) {
	call.State = state
	call.EndReason = reason
	call.EndedAt = time.Now().UTC()

	c.mu.Lock()
	if c.active[call.CallerID] == call {
		delete(c.active, call.CallerID)
	}
	if c.active[call.ReceiverID] == call {
		delete(c.active, call.ReceiverID)
	}
	delete(c.byID, call.ID)
	c.mu.Unlock()
}

// persist writes the durable record for a terminal call. Removal from the
// live index and the durable write are only eventually consistent; failures
// here never affect signaling outcomes.
func (c *Coordinator) persist(call *Call) {
	call.mu.Lock()
	record := models.CallRecord{
		ID:         call.ID,
		CallerID:   call.CallerID,
		ReceiverID: call.ReceiverID,
		CallType:   call.CallType,
		State:      call.State,
		EndReason:  call.EndReason,
		EndedAt:    call.EndedAt,
		CreatedAt:  call.CreatedAt,
	}
	if !call.StartedAt.IsZero() {
		started := call.StartedAt
		record.StartedAt = &started
		record.Duration = int64(call.EndedAt.Sub(call.StartedAt).Seconds())
	}
	call.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := c.records.Insert(ctx, record); err != nil {
			c.logger.Error("call record persistence failed", "call_id", record.ID, "error", err)
		}
		if c.archiver != nil {
			if err := c.archiver.Enqueue(ctx, record); err != nil {
				c.logger.Warn("call record archive enqueue failed", "call_id", record.ID, "error", err)
			}
		}
	}()
}

func (c *Coordinator) deliver(userID, event string, payload any) {
	session, ok := c.registry.Lookup(userID)
	if !ok {
		return
	}
	if err := session.Transport.Deliver(event, payload); err != nil {
		c.logger.Warn("signaling delivery failed", "user_id", userID, "event", event, "error", err)
	}
}
