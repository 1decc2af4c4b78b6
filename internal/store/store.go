package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cabelost/depillo-sistema/internal/models"
)

type SetStatusInput struct {
	AttendantID string
	DisplayName string
	Status      string
	OccurredAt  time.Time
}

// AssignOrderInput creates a pending order and flips the target attendant to
// serving in one atomic unit. RequireAvailable guards the automatic path: the
// write fails with ErrConflict if the target is no longer available, so two
// racing assignments can never land on the same queue head.
type AssignOrderInput struct {
	ClientName       string
	Service          string
	Details          string
	OrderNumber      string
	TotalValue       string
	AttendanceDate   string
	AttendantID      string
	AttendantName    string
	RequireAvailable bool
	CreatedAt        time.Time
}

type StartOrderInput struct {
	OrderID     string
	AttendantID string
	SessionID   string
	OccurredAt  time.Time
}

// CompleteOrderInput finishes an order. Force widens the allowed source
// states to pending and in_progress, skips the assignee guard, and tolerates
// a missing presence row for the assignee.
type CompleteOrderInput struct {
	OrderID     string
	AttendantID string
	Force       bool
	OccurredAt  time.Time
}

type ReassignOrderInput struct {
	OrderID         string
	FromAttendantID string
	ToAttendantID   string
	ToAttendantName string
	OccurredAt      time.Time
}

type Store interface {
	ListAttendants(ctx context.Context) ([]models.Attendant, error)
	GetAttendant(ctx context.Context, attendantID string) (models.Attendant, bool, error)

	SetStatus(ctx context.Context, input SetStatusInput) (models.Presence, error)
	GetPresence(ctx context.Context, attendantID string) (models.Presence, bool, error)
	SnapshotPresence(ctx context.Context) (map[string]models.Presence, error)

	AssignOrder(ctx context.Context, input AssignOrderInput) (models.Order, error)
	ReassignOrder(ctx context.Context, input ReassignOrderInput) (models.Order, error)
	StartOrder(ctx context.Context, input StartOrderInput) (models.Order, error)
	CompleteOrder(ctx context.Context, input CompleteOrderInput) (models.Order, error)
	UpdateNotes(ctx context.Context, orderID, notes string) error
	GetOrder(ctx context.Context, orderID string) (models.Order, bool, error)
	ListOrders(ctx context.Context) ([]models.Order, error)
	GetActiveOrder(ctx context.Context, attendantID string) (models.Order, bool, error)
	CountOrdersByStatus(ctx context.Context, since time.Time) (map[string]int, error)

	ListOutboxEvents(ctx context.Context, offset OutboxOffset, limit int) ([]OutboxEvent, error)
	GetFeedOffset(ctx context.Context) (OutboxOffset, error)
	UpdateFeedOffset(ctx context.Context, offset OutboxOffset) error

	GetSession(ctx context.Context, sessionID string) (Session, error)
	GetSessionActiveOrder(ctx context.Context, sessionID string) (string, bool, error)
}

type Session struct {
	SessionID   string
	AttendantID string
	DisplayName string
	Role        string
	ExpiresAt   time.Time
}

type OutboxEvent struct {
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type OutboxOffset struct {
	LastEventTime time.Time
	LastEventID   string
}

const (
	EventOrderAssigned   = "order.assigned"
	EventOrderReassigned = "order.reassigned"
	EventOrderStarted    = "order.started"
	EventOrderCompleted  = "order.completed"
	EventOrderNotes      = "order.notes"
	EventPresenceChanged = "presence.changed"
)
