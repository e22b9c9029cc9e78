// Package broadcast fans status changes out to the authorized, currently
// connected audience.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pulselink/backend/internal/models"
	"github.com/pulselink/backend/internal/registry"
	"github.com/pulselink/backend/internal/repositories"
	"github.com/pulselink/backend/internal/visibility"
)

// StatusEventAliases are the event names one status payload is re-emitted
// under. Older clients subscribe to different names; this is a compatibility
// layer, every alias carries the identical payload.
var StatusEventAliases = []string{
	"contact_status_update",
	"status_update",
	"user_status_update",
	"contact_status_changed",
}

// Presence status values emitted on connect/disconnect.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// statusPayload is the delivered shape: the status update plus the delivery
// id the recipient echoes back in its acknowledgment.
type statusPayload struct {
	models.StatusUpdate
	DeliveryID string `json:"delivery_id"`
}

type pendingDelivery struct {
	timer    *time.Timer
	userID   string
	statusID string
}

// Broadcaster computes the authorized connected audience for a status change
// and delivers the update over the full status channel set.
type Broadcaster struct {
	registry      *registry.Registry
	visibility    *visibility.Engine
	relationships repositories.RelationshipStore
	logger        *slog.Logger
	ackTimeout    time.Duration

	seqMu sync.Mutex
	seq   map[string]uint64

	ackMu   sync.Mutex
	pending map[string]*pendingDelivery
	closed  bool
}

// New constructs a broadcaster. ackTimeout bounds how long a delivery waits
// for its acknowledgment before being logged as a soft miss.
func New(reg *registry.Registry, vis *visibility.Engine, relationships repositories.RelationshipStore, ackTimeout time.Duration, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	if ackTimeout <= 0 {
		ackTimeout = 15 * time.Second
	}
	return &Broadcaster{
		registry:      reg,
		visibility:    vis,
		relationships: relationships,
		logger:        logger,
		ackTimeout:    ackTimeout,
		seq:           make(map[string]uint64),
		pending:       make(map[string]*pendingDelivery),
	}
}

// Broadcast delivers the status update to every authorized connected viewer.
// Fire and forget: all failures degrade to "no delivery" for the affected
// recipient and are only logged.
func (b *Broadcaster) Broadcast(ctx context.Context, update models.StatusUpdate) {
	subjectID := update.UserID
	if update.ID == "" {
		update.ID = uuid.NewString()
	}
	if update.CreatedAt.IsZero() {
		update.CreatedAt = time.Now().UTC()
	}
	update.Sequence = b.nextSequence(subjectID)

	for _, viewerID := range b.candidates(ctx, subjectID) {
		if viewerID == subjectID {
			continue
		}
		if !b.visibility.CanSee(ctx, subjectID, viewerID, update.ID) {
			continue
		}

		session, ok := b.registry.Lookup(viewerID)
		if !ok {
			// Offline viewers are the push channel's problem, not ours.
			continue
		}

		recipientUpdate := update
		if recipientUpdate.Location != nil && !b.visibility.LocationAllowed(ctx, subjectID, viewerID, update.ID) {
			recipientUpdate.Location = nil
		}

		payload := statusPayload{StatusUpdate: recipientUpdate, DeliveryID: uuid.NewString()}
		delivered := false
		for _, event := range StatusEventAliases {
			if err := session.Transport.Deliver(event, payload); err != nil {
				b.logger.Warn("status delivery failed",
					"subject_id", subjectID, "viewer_id", viewerID, "event", event, "error", err)
				break
			}
			delivered = true
		}

		if delivered {
			b.trackDelivery(payload.DeliveryID, viewerID, update.ID)
		}
	}
}

// BroadcastPresence emits an online/offline update on behalf of subjectID.
func (b *Broadcaster) BroadcastPresence(ctx context.Context, subjectID, status string) {
	b.Broadcast(ctx, models.StatusUpdate{
		UserID:    subjectID,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	})
}

// Acknowledge resolves a pending delivery. Unknown ids are ignored; the
// corresponding timer may already have fired.
func (b *Broadcaster) Acknowledge(deliveryID string) {
	b.ackMu.Lock()
	pending, ok := b.pending[deliveryID]
	if ok {
		delete(b.pending, deliveryID)
	}
	b.ackMu.Unlock()

	if ok {
		pending.timer.Stop()
	}
}

// Close cancels all outstanding acknowledgment timers.
func (b *Broadcaster) Close() {
	b.ackMu.Lock()
	b.closed = true
	for id, pending := range b.pending {
		pending.timer.Stop()
		delete(b.pending, id)
	}
	b.ackMu.Unlock()
}

// candidates builds the union of cache-derived and store-derived viewers.
// The cache is a pre-filter, the store is ground truth; discrepancies are
// expected, and a stale cache must never suppress a viewer the store knows
// about. A store failure degrades to the cache half alone.
func (b *Broadcaster) candidates(ctx context.Context, subjectID string) []string {
	seen := make(map[string]struct{})
	var out []string

	for _, id := range b.registry.IdentitiesCaching(subjectID) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}

	viewers, err := b.relationships.ViewersOf(ctx, subjectID)
	if err != nil {
		b.logger.Warn("viewer lookup failed, using cached candidates only",
			"subject_id", subjectID, "error", err)
		return out
	}
	for _, id := range viewers {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}

	return out
}

func (b *Broadcaster) nextSequence(subjectID string) uint64 {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()
	b.seq[subjectID]++
	return b.seq[subjectID]
}

func (b *Broadcaster) trackDelivery(deliveryID, viewerID, statusID string) {
	b.ackMu.Lock()
	defer b.ackMu.Unlock()
	if b.closed {
		return
	}

	pending := &pendingDelivery{userID: viewerID, statusID: statusID}
	pending.timer = time.AfterFunc(b.ackTimeout, func() {
		b.ackMu.Lock()
		_, ok := b.pending[deliveryID]
		if ok {
			delete(b.pending, deliveryID)
		}
		b.ackMu.Unlock()

		// Soft delivery miss: no retry, no escalation.
		if ok {
			b.logger.Warn("status delivery unacknowledged",
				"delivery_id", deliveryID, "viewer_id", viewerID, "status_id", statusID)
		}
	})
	b.pending[deliveryID] = pending
}

// PendingDeliveries reports the number of unacknowledged deliveries.
func (b *Broadcaster) PendingDeliveries() int {
	b.ackMu.Lock()
	defer b.ackMu.Unlock()
	return len(b.pending)
}
