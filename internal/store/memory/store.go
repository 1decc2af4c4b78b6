// Package memory implements the dispatch store in process memory. It backs
// local development when no database is configured and the package tests.
// Every mutating operation applies its presence and order effects under one
// lock, so readers observe each logical event atomically.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cabelost/depillo-sistema/internal/models"
	"github.com/cabelost/depillo-sistema/internal/store"

	"github.com/google/uuid"
)

type Store struct {
	mu         sync.RWMutex
	attendants map[string]models.Attendant
	presence   map[string]models.Presence
	orders     map[string]models.Order
	sessions   map[string]store.Session
	activeRefs map[string]string // session id -> order id
	outbox     []store.OutboxEvent
	offset     store.OutboxOffset
}

func NewStore() *Store {
	return &Store{
		attendants: make(map[string]models.Attendant),
		presence:   make(map[string]models.Presence),
		orders:     make(map[string]models.Order),
		sessions:   make(map[string]store.Session),
		activeRefs: make(map[string]string),
	}
}

// RegisterAttendant seeds the identity projection. The external identity
// provider owns attendant records; this is the local mirror of its upsert.
func (s *Store) RegisterAttendant(attendant models.Attendant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attendants[attendant.AttendantID] = attendant
}

// PutSession seeds an auth session, mirroring the identity provider's login.
func (s *Store) PutSession(session store.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.SessionID] = session
}

func (s *Store) ListAttendants(ctx context.Context) ([]models.Attendant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attendants := make([]models.Attendant, 0, len(s.attendants))
	for _, attendant := range s.attendants {
		attendants = append(attendants, attendant)
	}
	sort.Slice(attendants, func(i, j int) bool { return attendants[i].AttendantID < attendants[j].AttendantID })
	return attendants, nil
}

func (s *Store) GetAttendant(ctx context.Context, attendantID string) (models.Attendant, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attendant, ok := s.attendants[attendantID]
	return attendant, ok, nil
}

func (s *Store) SetStatus(ctx context.Context, input store.SetStatusInput) (models.Presence, error) {
	if input.Status != models.StatusOffline && input.Status != models.StatusAvailable && input.Status != models.StatusServing {
		return models.Presence{}, store.ErrInvalidStatus
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	attendant, ok := s.attendants[input.AttendantID]
	if !ok {
		return models.Presence{}, store.ErrUnknownAttendant
	}

	name := input.DisplayName
	if name == "" {
		name = attendant.DisplayName
	}
	presence := models.Presence{
		AttendantID: input.AttendantID,
		DisplayName: name,
		Status:      input.Status,
	}
	if input.Status == models.StatusAvailable {
		when := input.OccurredAt
		presence.QueueTimestamp = &when
	}
	s.presence[input.AttendantID] = presence
	s.appendEvent(store.EventPresenceChanged, presencePayload(presence), input.OccurredAt)
	return presence, nil
}

func (s *Store) GetPresence(ctx context.Context, attendantID string) (models.Presence, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	presence, ok := s.presence[attendantID]
	return presence, ok, nil
}

func (s *Store) SnapshotPresence(ctx context.Context) (map[string]models.Presence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := make(map[string]models.Presence, len(s.presence))
	for id, presence := range s.presence {
		snapshot[id] = presence
	}
	return snapshot, nil
}

func (s *Store) AssignOrder(ctx context.Context, input store.AssignOrderInput) (models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.attendants[input.AttendantID]; !ok {
		return models.Order{}, store.ErrUnknownAttendant
	}
	if input.RequireAvailable {
		presence, ok := s.presence[input.AttendantID]
		if !ok || presence.Status != models.StatusAvailable {
			return models.Order{}, store.ErrConflict
		}
	}

	order := models.Order{
		OrderID:               uuid.NewString(),
		ClientName:            input.ClientName,
		Service:               input.Service,
		Details:               input.Details,
		OrderNumber:           input.OrderNumber,
		TotalValue:            input.TotalValue,
		AttendanceDate:        input.AttendanceDate,
		AssignedAttendantID:   input.AttendantID,
		AssignedAttendantName: input.AttendantName,
		Status:                models.OrderStatusPending,
		CreatedAt:             input.CreatedAt,
	}
	s.orders[order.OrderID] = order
	s.setServingLocked(input.AttendantID, input.AttendantName)
	s.appendEvent(store.EventOrderAssigned, orderPayload(order), input.CreatedAt)
	return order, nil
}

func (s *Store) ReassignOrder(ctx context.Context, input store.ReassignOrderInput) (models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[input.OrderID]
	if !ok {
		return models.Order{}, store.ErrOrderNotFound
	}
	if !store.ValidTransition("reassign", order.Status) {
		return models.Order{}, store.ErrInvalidTransition
	}
	if order.AssignedAttendantID != input.FromAttendantID {
		return models.Order{}, store.ErrConflict
	}
	if _, ok := s.attendants[input.ToAttendantID]; !ok {
		return models.Order{}, store.ErrUnknownAttendant
	}

	order.AssignedAttendantID = input.ToAttendantID
	order.AssignedAttendantName = input.ToAttendantName
	s.orders[order.OrderID] = order

	s.setAvailableLocked(input.FromAttendantID, input.OccurredAt)
	s.setServingLocked(input.ToAttendantID, input.ToAttendantName)
	s.appendEvent(store.EventOrderReassigned, orderPayload(order), input.OccurredAt)
	return order, nil
}

func (s *Store) StartOrder(ctx context.Context, input store.StartOrderInput) (models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[input.OrderID]
	if !ok {
		return models.Order{}, store.ErrOrderNotFound
	}
	if !store.ValidTransition("start", order.Status) {
		return models.Order{}, store.ErrInvalidTransition
	}
	if order.AssignedAttendantID != input.AttendantID {
		return models.Order{}, store.ErrConflict
	}
	// at most one in_progress order per attendant
	for _, other := range s.orders {
		if other.OrderID != order.OrderID &&
			other.AssignedAttendantID == input.AttendantID &&
			other.Status == models.OrderStatusInProgress {
			return models.Order{}, store.ErrConflict
		}
	}

	started := input.OccurredAt
	order.Status = models.OrderStatusInProgress
	order.StartedAt = &started
	s.orders[order.OrderID] = order
	// reclaim the assignee in case they were released between assignment
	// and start
	s.setServingLocked(order.AssignedAttendantID, order.AssignedAttendantName)
	if input.SessionID != "" {
		s.activeRefs[input.SessionID] = order.OrderID
	}
	s.appendEvent(store.EventOrderStarted, orderPayload(order), input.OccurredAt)
	return order, nil
}

func (s *Store) CompleteOrder(ctx context.Context, input store.CompleteOrderInput) (models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[input.OrderID]
	if !ok {
		return models.Order{}, store.ErrOrderNotFound
	}
	action := "finish"
	if input.Force {
		action = "force_finish"
	}
	if !store.ValidTransition(action, order.Status) {
		return models.Order{}, store.ErrInvalidTransition
	}
	if !input.Force && order.AssignedAttendantID != input.AttendantID {
		return models.Order{}, store.ErrConflict
	}

	assignee := order.AssignedAttendantID
	if _, ok := s.attendants[assignee]; !ok {
		if !input.Force {
			return models.Order{}, store.ErrUnknownAttendant
		}
		assignee = ""
	}

	completed := input.OccurredAt
	order.Status = models.OrderStatusCompleted
	order.CompletedAt = &completed
	if order.StartedAt == nil {
		order.StartedAt = &completed
	}
	s.orders[order.OrderID] = order

	if assignee != "" {
		s.setAvailableLocked(assignee, input.OccurredAt)
	}
	for sessionID, orderID := range s.activeRefs {
		if orderID == order.OrderID {
			delete(s.activeRefs, sessionID)
		}
	}
	s.appendEvent(store.EventOrderCompleted, orderPayload(order), input.OccurredAt)
	return order, nil
}

func (s *Store) UpdateNotes(ctx context.Context, orderID, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return store.ErrOrderNotFound
	}
	order.Notes = notes
	s.orders[orderID] = order
	s.appendEvent(store.EventOrderNotes, orderPayload(order), time.Now().UTC())
	return nil
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (models.Order, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[orderID]
	return order, ok, nil
}

func (s *Store) ListOrders(ctx context.Context) ([]models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	orders := make([]models.Order, 0, len(s.orders))
	for _, order := range s.orders {
		orders = append(orders, order)
	}
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].OrderID < orders[j].OrderID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	return orders, nil
}

func (s *Store) GetActiveOrder(ctx context.Context, attendantID string) (models.Order, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, order := range s.orders {
		if order.AssignedAttendantID != attendantID {
			continue
		}
		if order.Status == models.OrderStatusPending || order.Status == models.OrderStatusInProgress {
			return order, true, nil
		}
	}
	return models.Order{}, false, nil
}

func (s *Store) CountOrdersByStatus(ctx context.Context, since time.Time) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int)
	for _, order := range s.orders {
		if order.CreatedAt.Before(since) {
			continue
		}
		counts[order.Status]++
	}
	return counts, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, offset store.OutboxOffset, limit int) ([]store.OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var events []store.OutboxEvent
	for _, event := range s.outbox {
		if !afterOffset(event, offset) {
			continue
		}
		events = append(events, event)
		if limit > 0 && len(events) >= limit {
			break
		}
	}
	return events, nil
}

func (s *Store) GetFeedOffset(ctx context.Context) (store.OutboxOffset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offset, nil
}

func (s *Store) UpdateFeedOffset(ctx context.Context, offset store.OutboxOffset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offset = offset
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return store.Session{}, store.ErrSessionNotFound
	}
	if !session.ExpiresAt.IsZero() && session.ExpiresAt.Before(time.Now()) {
		return store.Session{}, store.ErrSessionNotFound
	}
	return session, nil
}

func (s *Store) GetSessionActiveOrder(ctx context.Context, sessionID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	orderID, ok := s.activeRefs[sessionID]
	return orderID, ok, nil
}

func (s *Store) setServingLocked(attendantID, displayName string) {
	presence := s.presence[attendantID]
	if displayName == "" {
		displayName = presence.DisplayName
	}
	s.presence[attendantID] = models.Presence{
		AttendantID: attendantID,
		DisplayName: displayName,
		Status:      models.StatusServing,
	}
}

func (s *Store) setAvailableLocked(attendantID string, when time.Time) {
	presence := s.presence[attendantID]
	stamp := when
	s.presence[attendantID] = models.Presence{
		AttendantID:    attendantID,
		DisplayName:    presence.DisplayName,
		Status:         models.StatusAvailable,
		QueueTimestamp: &stamp,
	}
}

func (s *Store) appendEvent(eventType string, payload []byte, createdAt time.Time) {
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	s.outbox = append(s.outbox, store.OutboxEvent{
		EventID:   uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		CreatedAt: createdAt,
	})
}

func afterOffset(event store.OutboxEvent, offset store.OutboxOffset) bool {
	if event.CreatedAt.After(offset.LastEventTime) {
		return true
	}
	if event.CreatedAt.Equal(offset.LastEventTime) {
		return event.EventID > offset.LastEventID
	}
	return false
}

func orderPayload(order models.Order) []byte {
	payload, _ := json.Marshal(order)
	return payload
}

func presencePayload(presence models.Presence) []byte {
	payload, _ := json.Marshal(presence)
	return payload
}
