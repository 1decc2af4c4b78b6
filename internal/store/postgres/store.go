// Package postgres implements the dispatch store on PostgreSQL. Every state
// change commits its presence effect, order effect, and outbox event in a
// single transaction, so readers and the change feed observe each logical
// event atomically.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/cabelost/depillo-sistema/internal/models"
	"github.com/cabelost/depillo-sistema/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) ListAttendants(ctx context.Context) ([]models.Attendant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT attendant_id, display_name, role
		FROM attendants
		ORDER BY attendant_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attendants []models.Attendant
	for rows.Next() {
		var attendant models.Attendant
		if err := rows.Scan(&attendant.AttendantID, &attendant.DisplayName, &attendant.Role); err != nil {
			return nil, err
		}
		attendants = append(attendants, attendant)
	}
	return attendants, rows.Err()
}

func (s *Store) GetAttendant(ctx context.Context, attendantID string) (models.Attendant, bool, error) {
	var attendant models.Attendant
	err := s.pool.QueryRow(ctx, `
		SELECT attendant_id, display_name, role
		FROM attendants
		WHERE attendant_id = $1
	`, attendantID).Scan(&attendant.AttendantID, &attendant.DisplayName, &attendant.Role)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Attendant{}, false, nil
	}
	if err != nil {
		return models.Attendant{}, false, err
	}
	return attendant, true, nil
}

func (s *Store) SetStatus(ctx context.Context, input store.SetStatusInput) (models.Presence, error) {
	if input.Status != models.StatusOffline && input.Status != models.StatusAvailable && input.Status != models.StatusServing {
		return models.Presence{}, store.ErrInvalidStatus
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Presence{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	attendant, found, err := getAttendantTx(ctx, tx, input.AttendantID)
	if err != nil {
		return models.Presence{}, err
	}
	if !found {
		err = store.ErrUnknownAttendant
		return models.Presence{}, err
	}

	name := input.DisplayName
	if name == "" {
		name = attendant.DisplayName
	}
	presence, err := upsertPresence(ctx, tx, input.AttendantID, name, input.Status, input.OccurredAt)
	if err != nil {
		return models.Presence{}, err
	}
	if err = insertOutboxEvent(ctx, tx, store.EventPresenceChanged, presence, input.OccurredAt); err != nil {
		return models.Presence{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Presence{}, err
	}
	return presence, nil
}

func (s *Store) GetPresence(ctx context.Context, attendantID string) (models.Presence, bool, error) {
	presence, err := scanPresence(s.pool.QueryRow(ctx, `
		SELECT attendant_id, display_name, status, queue_timestamp
		FROM attendant_presence
		WHERE attendant_id = $1
	`, attendantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Presence{}, false, nil
	}
	if err != nil {
		return models.Presence{}, false, err
	}
	return presence, true, nil
}

func (s *Store) SnapshotPresence(ctx context.Context) (map[string]models.Presence, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT attendant_id, display_name, status, queue_timestamp
		FROM attendant_presence
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snapshot := make(map[string]models.Presence)
	for rows.Next() {
		presence, err := scanPresence(rows)
		if err != nil {
			return nil, err
		}
		snapshot[presence.AttendantID] = presence
	}
	return snapshot, rows.Err()
}

func (s *Store) AssignOrder(ctx context.Context, input store.AssignOrderInput) (models.Order, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Order{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	_, found, err := getAttendantTx(ctx, tx, input.AttendantID)
	if err != nil {
		return models.Order{}, err
	}
	if !found {
		err = store.ErrUnknownAttendant
		return models.Order{}, err
	}

	if input.RequireAvailable {
		tag, execErr := tx.Exec(ctx, `
			UPDATE attendant_presence
			SET status = $2, queue_timestamp = NULL
			WHERE attendant_id = $1 AND status = $3
		`, input.AttendantID, models.StatusServing, models.StatusAvailable)
		if execErr != nil {
			err = execErr
			return models.Order{}, err
		}
		if tag.RowsAffected() == 0 {
			err = store.ErrConflict
			return models.Order{}, err
		}
	} else {
		if _, err = upsertPresence(ctx, tx, input.AttendantID, input.AttendantName, models.StatusServing, input.CreatedAt); err != nil {
			return models.Order{}, err
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
	_, err = tx.Exec(ctx, `
		INSERT INTO orders (
			order_id, client_name, service, details, order_number, total_value,
			attendance_date, assigned_attendant_id, assigned_attendant_name,
			status, notes, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,'',$11)
	`, order.OrderID, order.ClientName, order.Service, order.Details, order.OrderNumber,
		order.TotalValue, order.AttendanceDate, order.AssignedAttendantID,
		order.AssignedAttendantName, order.Status, order.CreatedAt)
	if err != nil {
		return models.Order{}, err
	}

	if err = insertOutboxEvent(ctx, tx, store.EventOrderAssigned, order, input.CreatedAt); err != nil {
		return models.Order{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Order{}, err
	}
	return order, nil
}

func (s *Store) ReassignOrder(ctx context.Context, input store.ReassignOrderInput) (models.Order, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Order{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	order, found, err := getOrderForUpdate(ctx, tx, input.OrderID)
	if err != nil {
		return models.Order{}, err
	}
	if !found {
		err = store.ErrOrderNotFound
		return models.Order{}, err
	}
	if !store.ValidTransition("reassign", order.Status) {
		err = store.ErrInvalidTransition
		return models.Order{}, err
	}
	if order.AssignedAttendantID != input.FromAttendantID {
		err = store.ErrConflict
		return models.Order{}, err
	}
	_, found, err = getAttendantTx(ctx, tx, input.ToAttendantID)
	if err != nil {
		return models.Order{}, err
	}
	if !found {
		err = store.ErrUnknownAttendant
		return models.Order{}, err
	}

	order.AssignedAttendantID = input.ToAttendantID
	order.AssignedAttendantName = input.ToAttendantName
	_, err = tx.Exec(ctx, `
		UPDATE orders
		SET assigned_attendant_id = $2, assigned_attendant_name = $3
		WHERE order_id = $1
	`, order.OrderID, order.AssignedAttendantID, order.AssignedAttendantName)
	if err != nil {
		return models.Order{}, err
	}

	if _, err = upsertPresence(ctx, tx, input.FromAttendantID, "", models.StatusAvailable, input.OccurredAt); err != nil {
		return models.Order{}, err
	}
	if _, err = upsertPresence(ctx, tx, input.ToAttendantID, input.ToAttendantName, models.StatusServing, input.OccurredAt); err != nil {
		return models.Order{}, err
	}
	if err = insertOutboxEvent(ctx, tx, store.EventOrderReassigned, order, input.OccurredAt); err != nil {
		return models.Order{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Order{}, err
	}
	return order, nil
}

func (s *Store) StartOrder(ctx context.Context, input store.StartOrderInput) (models.Order, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Order{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	order, found, err := getOrderForUpdate(ctx, tx, input.OrderID)
	if err != nil {
		return models.Order{}, err
	}
	if !found {
		err = store.ErrOrderNotFound
		return models.Order{}, err
	}
	if !store.ValidTransition("start", order.Status) {
		err = store.ErrInvalidTransition
		return models.Order{}, err
	}
	if order.AssignedAttendantID != input.AttendantID {
		err = store.ErrConflict
		return models.Order{}, err
	}

	// at most one in_progress order per attendant
	var busy bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM orders
			WHERE assigned_attendant_id = $1 AND status = $2 AND order_id <> $3
		)
	`, order.AssignedAttendantID, models.OrderStatusInProgress, order.OrderID).Scan(&busy)
	if err != nil {
		return models.Order{}, err
	}
	if busy {
		err = store.ErrConflict
		return models.Order{}, err
	}

	started := input.OccurredAt
	order.Status = models.OrderStatusInProgress
	order.StartedAt = &started
	_, err = tx.Exec(ctx, `
		UPDATE orders
		SET status = $2, started_at = $3
		WHERE order_id = $1
	`, order.OrderID, order.Status, started)
	if err != nil {
		return models.Order{}, err
	}

	// reclaim the assignee in case they were released between assignment
	// and start
	if _, err = upsertPresence(ctx, tx, order.AssignedAttendantID, order.AssignedAttendantName, models.StatusServing, input.OccurredAt); err != nil {
		return models.Order{}, err
	}

	if input.SessionID != "" {
		_, err = tx.Exec(ctx, `
			UPDATE sessions SET active_order_id = $2 WHERE session_id = $1
		`, input.SessionID, order.OrderID)
		if err != nil {
			return models.Order{}, err
		}
	}
	if err = insertOutboxEvent(ctx, tx, store.EventOrderStarted, order, input.OccurredAt); err != nil {
		return models.Order{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Order{}, err
	}
	return order, nil
}

func (s *Store) CompleteOrder(ctx context.Context, input store.CompleteOrderInput) (models.Order, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Order{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	order, found, err := getOrderForUpdate(ctx, tx, input.OrderID)
	if err != nil {
		return models.Order{}, err
	}
	if !found {
		err = store.ErrOrderNotFound
		return models.Order{}, err
	}
	action := "finish"
	if input.Force {
		action = "force_finish"
	}
	if !store.ValidTransition(action, order.Status) {
		err = store.ErrInvalidTransition
		return models.Order{}, err
	}
	if !input.Force && order.AssignedAttendantID != input.AttendantID {
		err = store.ErrConflict
		return models.Order{}, err
	}

	assignee := order.AssignedAttendantID
	_, found, err = getAttendantTx(ctx, tx, assignee)
	if err != nil {
		return models.Order{}, err
	}
	if !found {
		if !input.Force {
			err = store.ErrUnknownAttendant
			return models.Order{}, err
		}
		assignee = ""
	}

	completed := input.OccurredAt
	order.Status = models.OrderStatusCompleted
	order.CompletedAt = &completed
	if order.StartedAt == nil {
		order.StartedAt = &completed
	}
	_, err = tx.Exec(ctx, `
		UPDATE orders
		SET status = $2, started_at = $3, completed_at = $4
		WHERE order_id = $1
	`, order.OrderID, order.Status, order.StartedAt, order.CompletedAt)
	if err != nil {
		return models.Order{}, err
	}

	if assignee != "" {
		if _, err = upsertPresence(ctx, tx, assignee, "", models.StatusAvailable, input.OccurredAt); err != nil {
			return models.Order{}, err
		}
	}
	_, err = tx.Exec(ctx, `
		UPDATE sessions SET active_order_id = NULL WHERE active_order_id = $1
	`, order.OrderID)
	if err != nil {
		return models.Order{}, err
	}
	if err = insertOutboxEvent(ctx, tx, store.EventOrderCompleted, order, input.OccurredAt); err != nil {
		return models.Order{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Order{}, err
	}
	return order, nil
}

func (s *Store) UpdateNotes(ctx context.Context, orderID, notes string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	order, found, err := getOrderForUpdate(ctx, tx, orderID)
	if err != nil {
		return err
	}
	if !found {
		err = store.ErrOrderNotFound
		return err
	}

	order.Notes = notes
	_, err = tx.Exec(ctx, `
		UPDATE orders SET notes = $2 WHERE order_id = $1
	`, orderID, notes)
	if err != nil {
		return err
	}
	if err = insertOutboxEvent(ctx, tx, store.EventOrderNotes, order, time.Now().UTC()); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return err
	}
	return nil
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (models.Order, bool, error) {
	order, err := scanOrder(s.pool.QueryRow(ctx, selectOrder+` WHERE order_id = $1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Order{}, false, nil
	}
	if err != nil {
		return models.Order{}, false, err
	}
	return order, true, nil
}

func (s *Store) ListOrders(ctx context.Context) ([]models.Order, error) {
	rows, err := s.pool.Query(ctx, selectOrder+` ORDER BY created_at, order_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func (s *Store) GetActiveOrder(ctx context.Context, attendantID string) (models.Order, bool, error) {
	order, err := scanOrder(s.pool.QueryRow(ctx, selectOrder+`
		WHERE assigned_attendant_id = $1 AND status IN ($2, $3)
		ORDER BY created_at DESC
		LIMIT 1
	`, attendantID, models.OrderStatusPending, models.OrderStatusInProgress))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Order{}, false, nil
	}
	if err != nil {
		return models.Order{}, false, err
	}
	return order, true, nil
}

func (s *Store) CountOrdersByStatus(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*)
		FROM orders
		WHERE created_at >= $1
		GROUP BY status
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func (s *Store) ListOutboxEvents(ctx context.Context, offset store.OutboxOffset, limit int) ([]store.OutboxEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, type, payload, created_at
		FROM outbox_events
		WHERE (created_at, event_id) > ($1, $2)
		ORDER BY created_at, event_id
		LIMIT $3
	`, offset.LastEventTime, offset.LastEventID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.EventID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *Store) GetFeedOffset(ctx context.Context) (store.OutboxOffset, error) {
	var offset store.OutboxOffset
	err := s.pool.QueryRow(ctx, `
		SELECT last_event_time, last_event_id FROM feed_offsets WHERE id = 1
	`).Scan(&offset.LastEventTime, &offset.LastEventID)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.OutboxOffset{}, nil
	}
	if err != nil {
		return store.OutboxOffset{}, err
	}
	return offset, nil
}

func (s *Store) UpdateFeedOffset(ctx context.Context, offset store.OutboxOffset) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO feed_offsets (id, last_event_time, last_event_id)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET last_event_time = $1, last_event_id = $2
	`, offset.LastEventTime, offset.LastEventID)
	return err
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	var session store.Session
	err := s.pool.QueryRow(ctx, `
		SELECT session_id, attendant_id, display_name, role, expires_at
		FROM sessions
		WHERE session_id = $1 AND expires_at > NOW()
	`, sessionID).Scan(&session.SessionID, &session.AttendantID, &session.DisplayName, &session.Role, &session.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Session{}, store.ErrSessionNotFound
	}
	if err != nil {
		return store.Session{}, err
	}
	return session, nil
}

func (s *Store) GetSessionActiveOrder(ctx context.Context, sessionID string) (string, bool, error) {
	var orderID sql.NullString
	err := s.pool.QueryRow(ctx, `
		SELECT active_order_id FROM sessions WHERE session_id = $1
	`, sessionID).Scan(&orderID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if !orderID.Valid || orderID.String == "" {
		return "", false, nil
	}
	return orderID.String, true, nil
}

const selectOrder = `
	SELECT order_id, client_name, service, details, order_number, total_value,
		attendance_date, assigned_attendant_id, assigned_attendant_name,
		status, notes, created_at, started_at, completed_at
	FROM orders`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (models.Order, error) {
	var order models.Order
	var startedAt, completedAt sql.NullTime
	err := row.Scan(
		&order.OrderID, &order.ClientName, &order.Service, &order.Details,
		&order.OrderNumber, &order.TotalValue, &order.AttendanceDate,
		&order.AssignedAttendantID, &order.AssignedAttendantName,
		&order.Status, &order.Notes, &order.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return models.Order{}, err
	}
	if startedAt.Valid {
		order.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		order.CompletedAt = &completedAt.Time
	}
	return order, nil
}

func scanPresence(row rowScanner) (models.Presence, error) {
	var presence models.Presence
	var queueTimestamp sql.NullTime
	if err := row.Scan(&presence.AttendantID, &presence.DisplayName, &presence.Status, &queueTimestamp); err != nil {
		return models.Presence{}, err
	}
	if queueTimestamp.Valid {
		presence.QueueTimestamp = &queueTimestamp.Time
	}
	return presence, nil
}

func getAttendantTx(ctx context.Context, tx pgx.Tx, attendantID string) (models.Attendant, bool, error) {
	var attendant models.Attendant
	err := tx.QueryRow(ctx, `
		SELECT attendant_id, display_name, role
		FROM attendants
		WHERE attendant_id = $1
	`, attendantID).Scan(&attendant.AttendantID, &attendant.DisplayName, &attendant.Role)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Attendant{}, false, nil
	}
	if err != nil {
		return models.Attendant{}, false, err
	}
	return attendant, true, nil
}

func getOrderForUpdate(ctx context.Context, tx pgx.Tx, orderID string) (models.Order, bool, error) {
	order, err := scanOrder(tx.QueryRow(ctx, selectOrder+` WHERE order_id = $1 FOR UPDATE`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Order{}, false, nil
	}
	if err != nil {
		return models.Order{}, false, err
	}
	return order, true, nil
}

func upsertPresence(ctx context.Context, tx pgx.Tx, attendantID, displayName, status string, occurredAt time.Time) (models.Presence, error) {
	var queueTimestamp *time.Time
	if status == models.StatusAvailable {
		stamp := occurredAt
		queueTimestamp = &stamp
	}
	presence, err := scanPresence(tx.QueryRow(ctx, `
		INSERT INTO attendant_presence (attendant_id, display_name, status, queue_timestamp)
		VALUES ($1, COALESCE(NULLIF($2, ''), $1), $3, $4)
		ON CONFLICT (attendant_id) DO UPDATE SET
			display_name = COALESCE(NULLIF($2, ''), attendant_presence.display_name),
			status = $3,
			queue_timestamp = $4
		RETURNING attendant_id, display_name, status, queue_timestamp
	`, attendantID, displayName, status, queueTimestamp))
	if err != nil {
		return models.Presence{}, err
	}
	return presence, nil
}

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, eventType string, payload any, createdAt time.Time) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, type, payload, created_at)
		VALUES ($1, $2, $3, $4)
	`, uuid.NewString(), eventType, encoded, createdAt)
	return err
}
