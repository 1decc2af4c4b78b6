// Package feed propagates store changes to in-process consumers. It polls
// the outbox with a persisted offset, coalesces each batch of change
// notifications into at most one re-fetch per collection, and republishes
// full snapshots; consumers resynchronize from authoritative state instead
// of patching. Delivery is at-least-once and duplicate tolerant, so a missed
// cycle or a reconnect only delays a refresh, never loses one.
package feed

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cabelost/depillo-sistema/internal/models"
	"github.com/cabelost/depillo-sistema/internal/queue"
	"github.com/cabelost/depillo-sistema/internal/store"
)

const zeroUUID = "00000000-0000-0000-0000-000000000000"

// EventOrderAssignedToMe is raised once per (re)assignment so the assigned
// attendant's client can play its audible alert.
const EventOrderAssignedToMe = "orderAssignedToMe"

// Snapshot is a refreshed view of the authoritative collections. Queue is
// recomputed from the presence snapshot on every refresh, never cached.
type Snapshot struct {
	Presence map[string]models.Presence `json:"presence"`
	Orders   []models.Order             `json:"orders"`
	Queue    []string                   `json:"queue"`
}

// Event is a semantic notification for a sink; rendering (audio, toast) is
// the consumer's concern.
type Event struct {
	Type        string       `json:"type"`
	AttendantID string       `json:"attendant_id"`
	Order       models.Order `json:"order"`
}

type Notifier func(Event)

type Poller struct {
	store     store.Store
	interval  time.Duration
	batchSize int
	notify    Notifier

	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Snapshot)

	running int32
	offset  store.OutboxOffset
}

func NewPoller(st store.Store, interval time.Duration, batchSize int, notify Notifier) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Poller{
		store:     st,
		interval:  interval,
		batchSize: batchSize,
		notify:    notify,
		subs:      make(map[int]func(Snapshot)),
	}
}

// Subscribe registers a snapshot consumer and returns its unsubscribe func.
func (p *Poller) Subscribe(fn func(Snapshot)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.subs[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs, id)
	}
}

// Run polls until the context is cancelled. The CAS guard keeps a slow cycle
// from overlapping with the next tick.
func (p *Poller) Run(ctx context.Context) {
	offset, err := p.store.GetFeedOffset(ctx)
	if err != nil {
		log.Printf("feed offset load error: %v", err)
	}
	if offset.LastEventTime.IsZero() {
		offset.LastEventTime = time.Unix(0, 0).UTC()
	}
	if offset.LastEventID == "" {
		offset.LastEventID = zeroUUID
	}
	p.offset = offset

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
				continue
			}
			p.poll(ctx)
			atomic.StoreInt32(&p.running, 0)
		}
	}
}

// RefreshNow forces a full re-fetch and publish, the manual resync path for
// a consumer that reconnects after losing its push stream.
func (p *Poller) RefreshNow(ctx context.Context) error {
	snapshot, err := p.fetchSnapshot(ctx)
	if err != nil {
		return err
	}
	p.publish(snapshot)
	return nil
}

func (p *Poller) poll(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.interval+5*time.Second)
	defer cancel()

	events, err := p.store.ListOutboxEvents(ctx, p.offset, p.batchSize)
	if err != nil {
		log.Printf("feed poll error: %v", err)
		return
	}
	if len(events) == 0 {
		return
	}

	for _, event := range events {
		p.offset.LastEventTime = event.CreatedAt
		p.offset.LastEventID = event.EventID

		if p.notify == nil {
			continue
		}
		if event.Type != store.EventOrderAssigned && event.Type != store.EventOrderReassigned {
			continue
		}
		var order models.Order
		if err := json.Unmarshal(event.Payload, &order); err != nil {
			log.Printf("feed payload decode error for %s: %v", event.EventID, err)
			continue
		}
		if order.Status != models.OrderStatusPending || order.AssignedAttendantID == "" {
			continue
		}
		p.notify(Event{Type: EventOrderAssignedToMe, AttendantID: order.AssignedAttendantID, Order: order})
	}

	// a storm of notifications collapses into one snapshot refresh
	if touchesState(events) {
		snapshot, err := p.fetchSnapshot(ctx)
		if err != nil {
			log.Printf("feed refresh error: %v", err)
			return
		}
		p.publish(snapshot)
	}

	if err := p.store.UpdateFeedOffset(ctx, p.offset); err != nil {
		log.Printf("feed offset update error: %v", err)
	}
}

func (p *Poller) fetchSnapshot(ctx context.Context) (Snapshot, error) {
	presence, err := p.store.SnapshotPresence(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	orders, err := p.store.ListOrders(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Presence: presence,
		Orders:   orders,
		Queue:    queue.Compute(presence),
	}, nil
}

func (p *Poller) publish(snapshot Snapshot) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, fn := range p.subs {
		fn(snapshot)
	}
}

func touchesState(events []store.OutboxEvent) bool {
	for _, event := range events {
		if strings.HasPrefix(event.Type, "order.") || strings.HasPrefix(event.Type, "presence.") {
			return true
		}
	}
	return false
}
