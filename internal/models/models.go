package models

import "time"

// Attendant is the identity provider's projection of a service professional.
type Attendant struct {
	AttendantID string `json:"attendant_id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

const (
	RoleAttendant = "attendant"
	RoleReception = "reception"
)

// Presence is one attendant's availability record. QueueTimestamp is set
// exactly when Status is StatusAvailable and orders the derived queue.
type Presence struct {
	AttendantID    string     `json:"attendant_id"`
	DisplayName    string     `json:"display_name"`
	Status         string     `json:"status"`
	QueueTimestamp *time.Time `json:"queue_timestamp,omitempty"`
}

const (
	StatusOffline   = "offline"
	StatusAvailable = "available"
	StatusServing   = "serving"
)

type Order struct {
	OrderID               string     `json:"order_id"`
	ClientName            string     `json:"client_name"`
	Service               string     `json:"service"`
	Details               string     `json:"details,omitempty"`
	OrderNumber           string     `json:"order_number,omitempty"`
	TotalValue            string     `json:"total_value,omitempty"`
	AttendanceDate        string     `json:"attendance_date,omitempty"`
	AssignedAttendantID   string     `json:"assigned_attendant_id"`
	AssignedAttendantName string     `json:"assigned_attendant_name"`
	Status                string     `json:"status"`
	Notes                 string     `json:"notes,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	StartedAt             *time.Time `json:"started_at,omitempty"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
}

const (
	OrderStatusPending    = "pending"
	OrderStatusInProgress = "in_progress"
	OrderStatusCompleted  = "completed"
)
