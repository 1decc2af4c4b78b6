package feed

import (
	"context"
	"testing"
	"time"

	"github.com/cabelost/depillo-sistema/internal/models"
	"github.com/cabelost/depillo-sistema/internal/store"
	"github.com/cabelost/depillo-sistema/internal/store/memory"
)

func seed(t *testing.T, s *memory.Store) models.Order {
	t.Helper()
	ctx := context.Background()
	base := time.Now().UTC()
	s.RegisterAttendant(models.Attendant{AttendantID: "a1", DisplayName: "Ana", Role: models.RoleAttendant})
	s.RegisterAttendant(models.Attendant{AttendantID: "a2", DisplayName: "Bia", Role: models.RoleAttendant})
	if _, err := s.SetStatus(ctx, store.SetStatusInput{AttendantID: "a1", Status: models.StatusAvailable, OccurredAt: base}); err != nil {
		t.Fatalf("SetStatus a1: %v", err)
	}
	if _, err := s.SetStatus(ctx, store.SetStatusInput{AttendantID: "a2", Status: models.StatusAvailable, OccurredAt: base.Add(time.Second)}); err != nil {
		t.Fatalf("SetStatus a2: %v", err)
	}
	order, err := s.AssignOrder(ctx, store.AssignOrderInput{
		ClientName:    "Maria",
		Service:       "Wax",
		AttendantID:   "a1",
		AttendantName: "Ana",
		CreatedAt:     base.Add(2 * time.Second),
	})
	if err != nil {
		t.Fatalf("AssignOrder: %v", err)
	}
	return order
}

func TestPollCoalescesBatchIntoOneRefresh(t *testing.T) {
	s := memory.NewStore()
	order := seed(t, s)

	var notified []Event
	p := NewPoller(s, time.Second, 100, func(event Event) {
		notified = append(notified, event)
	})
	p.offset = store.OutboxOffset{LastEventTime: time.Unix(0, 0).UTC(), LastEventID: zeroUUID}

	var published []Snapshot
	unsubscribe := p.Subscribe(func(snapshot Snapshot) {
		published = append(published, snapshot)
	})
	defer unsubscribe()

	p.poll(context.Background())

	// three outbox events (two presence changes, one assignment), one refresh
	if len(published) != 1 {
		t.Fatalf("got %d snapshot publishes, want 1", len(published))
	}
	snapshot := published[0]
	if len(snapshot.Orders) != 1 || snapshot.Orders[0].OrderID != order.OrderID {
		t.Fatalf("snapshot orders=%+v, want the assigned order", snapshot.Orders)
	}
	if len(snapshot.Queue) != 1 || snapshot.Queue[0] != "a2" {
		t.Fatalf("snapshot queue=%v, want [a2] (a1 is serving)", snapshot.Queue)
	}

	if len(notified) != 1 {
		t.Fatalf("got %d notifications, want 1", len(notified))
	}
	if notified[0].Type != EventOrderAssignedToMe || notified[0].AttendantID != "a1" {
		t.Fatalf("notification=%+v, want orderAssignedToMe for a1", notified[0])
	}
}

func TestPollWithoutNewEventsPublishesNothing(t *testing.T) {
	s := memory.NewStore()
	seed(t, s)

	p := NewPoller(s, time.Second, 100, nil)
	p.offset = store.OutboxOffset{LastEventTime: time.Unix(0, 0).UTC(), LastEventID: zeroUUID}

	var published int
	defer p.Subscribe(func(Snapshot) { published++ })()

	p.poll(context.Background())
	first := published
	p.poll(context.Background())
	if published != first {
		t.Fatalf("second poll republished (%d -> %d) with no new events", first, published)
	}
}

func TestPollPersistsOffset(t *testing.T) {
	s := memory.NewStore()
	seed(t, s)

	p := NewPoller(s, time.Second, 100, nil)
	p.offset = store.OutboxOffset{LastEventTime: time.Unix(0, 0).UTC(), LastEventID: zeroUUID}
	p.poll(context.Background())

	stored, err := s.GetFeedOffset(context.Background())
	if err != nil {
		t.Fatalf("GetFeedOffset: %v", err)
	}
	if stored != p.offset {
		t.Fatalf("persisted offset %+v, want %+v", stored, p.offset)
	}
	if stored.LastEventTime.IsZero() || stored.LastEventID == zeroUUID {
		t.Fatalf("offset %+v was not advanced", stored)
	}
}

func TestRefreshNowPublishesSnapshot(t *testing.T) {
	s := memory.NewStore()
	seed(t, s)

	p := NewPoller(s, time.Second, 100, nil)
	var published int
	defer p.Subscribe(func(Snapshot) { published++ })()

	if err := p.RefreshNow(context.Background()); err != nil {
		t.Fatalf("RefreshNow: %v", err)
	}
	if published != 1 {
		t.Fatalf("got %d publishes, want 1", published)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s := memory.NewStore()
	seed(t, s)

	p := NewPoller(s, time.Second, 100, nil)
	var published int
	unsubscribe := p.Subscribe(func(Snapshot) { published++ })
	unsubscribe()

	if err := p.RefreshNow(context.Background()); err != nil {
		t.Fatalf("RefreshNow: %v", err)
	}
	if published != 0 {
		t.Fatalf("unsubscribed consumer still received %d publishes", published)
	}
}

func TestPollPublishesAfterNotesUpdate(t *testing.T) {
	s := memory.NewStore()
	order := seed(t, s)

	p := NewPoller(s, time.Second, 100, func(Event) {})
	p.offset = store.OutboxOffset{LastEventTime: time.Unix(0, 0).UTC(), LastEventID: zeroUUID}

	var published []Snapshot
	unsubscribe := p.Subscribe(func(snapshot Snapshot) {
		published = append(published, snapshot)
	})
	defer unsubscribe()

	// drain the seed events first
	p.poll(context.Background())
	published = nil

	if err := s.UpdateNotes(context.Background(), order.OrderID, "client prefers room 2"); err != nil {
		t.Fatalf("UpdateNotes: %v", err)
	}
	p.poll(context.Background())

	if len(published) != 1 {
		t.Fatalf("published %d snapshots after notes update, want 1", len(published))
	}
	var refreshed *models.Order
	for i := range published[0].Orders {
		if published[0].Orders[i].OrderID == order.OrderID {
			refreshed = &published[0].Orders[i]
		}
	}
	if refreshed == nil {
		t.Fatalf("refreshed snapshot is missing order %s", order.OrderID)
	}
	if refreshed.Notes != "client prefers room 2" {
		t.Fatalf("refreshed notes = %q", refreshed.Notes)
	}
}
