// Package dispatch implements the assignment engine: it resolves which
// attendant receives an incoming order, drives the order lifecycle, and
// reassigns orders that go unaccepted. One Dispatcher runs per deployment and
// serializes every mutating operation, so two concurrent assignments can
// never pick the same queue head and a reassignment timer can never fire in
// the middle of a start.
package dispatch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cabelost/depillo-sistema/internal/models"
	"github.com/cabelost/depillo-sistema/internal/queue"
	"github.com/cabelost/depillo-sistema/internal/store"
)

const timeoutOpDeadline = 5 * time.Second

type Dispatcher struct {
	mu      sync.Mutex
	store   store.Store
	timeout time.Duration
	timers  map[string]*time.Timer
	nowFn   func() time.Time
}

type OrderDraft struct {
	ClientName     string
	Service        string
	Details        string
	OrderNumber    string
	TotalValue     string
	AttendanceDate string
}

func New(st store.Store, reassignTimeout time.Duration) *Dispatcher {
	if reassignTimeout <= 0 {
		reassignTimeout = 15 * time.Second
	}
	return &Dispatcher{
		store:   st,
		timeout: reassignTimeout,
		timers:  make(map[string]*time.Timer),
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
}

// Assign resolves a target for the draft and creates the order. With an
// explicit attendant id the queue is bypassed; otherwise the head of the
// derived queue is taken. The store applies the order creation and the
// presence flip as one transaction, and a reassignment timer is armed for
// the new order before control returns.
func (d *Dispatcher) Assign(ctx context.Context, draft OrderDraft, explicitAttendantID string) (models.Order, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.nowFn()
	input := store.AssignOrderInput{
		ClientName:     draft.ClientName,
		Service:        draft.Service,
		Details:        draft.Details,
		OrderNumber:    draft.OrderNumber,
		TotalValue:     draft.TotalValue,
		AttendanceDate: draft.AttendanceDate,
		CreatedAt:      now,
	}

	if explicitAttendantID != "" {
		attendant, found, err := d.store.GetAttendant(ctx, explicitAttendantID)
		if err != nil {
			return models.Order{}, err
		}
		if !found {
			return models.Order{}, store.ErrUnknownAttendant
		}
		input.AttendantID = attendant.AttendantID
		input.AttendantName = attendant.DisplayName
	} else {
		snapshot, err := d.store.SnapshotPresence(ctx)
		if err != nil {
			return models.Order{}, err
		}
		eligible := queue.Compute(snapshot)
		if len(eligible) == 0 {
			return models.Order{}, store.ErrNoAttendantAvailable
		}
		head := eligible[0]
		attendant, found, err := d.store.GetAttendant(ctx, head)
		if err != nil {
			return models.Order{}, err
		}
		if !found {
			return models.Order{}, store.ErrUnknownAttendant
		}
		input.AttendantID = attendant.AttendantID
		input.AttendantName = attendant.DisplayName
		input.RequireAvailable = true
	}

	order, err := d.store.AssignOrder(ctx, input)
	if err != nil {
		return models.Order{}, err
	}
	d.armTimerLocked(order.OrderID)
	return order, nil
}

// Start moves a pending order to in_progress. Only the assigned attendant may
// start their order, and only while they hold no other in_progress order;
// the session's active attendance reference is recorded in
// the same store transaction. A successful start cancels the reassignment
// timer; the lock makes cancellation and a concurrent timer firing mutually
// exclusive.
func (d *Dispatcher) Start(ctx context.Context, orderID string, caller store.Session) (models.Order, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	order, found, err := d.store.GetOrder(ctx, orderID)
	if err != nil {
		return models.Order{}, err
	}
	if !found {
		return models.Order{}, store.ErrOrderNotFound
	}
	if order.AssignedAttendantID != caller.AttendantID {
		return models.Order{}, store.ErrPermissionDenied
	}
	active, found, err := d.store.GetActiveOrder(ctx, caller.AttendantID)
	if err != nil {
		return models.Order{}, err
	}
	if found && active.OrderID != orderID && active.Status == models.OrderStatusInProgress {
		return models.Order{}, store.ErrConflict
	}

	started, err := d.store.StartOrder(ctx, store.StartOrderInput{
		OrderID:     orderID,
		AttendantID: caller.AttendantID,
		SessionID:   caller.SessionID,
		OccurredAt:  d.nowFn(),
	})
	if err != nil {
		return models.Order{}, err
	}
	d.cancelTimerLocked(orderID)
	return started, nil
}

// Finish completes an in_progress order and returns the attendant to the back
// of the queue with a fresh queue timestamp.
func (d *Dispatcher) Finish(ctx context.Context, orderID string, caller store.Session) (models.Order, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	order, found, err := d.store.GetOrder(ctx, orderID)
	if err != nil {
		return models.Order{}, err
	}
	if !found {
		return models.Order{}, store.ErrOrderNotFound
	}
	if order.AssignedAttendantID != caller.AttendantID {
		return models.Order{}, store.ErrPermissionDenied
	}

	completed, err := d.store.CompleteOrder(ctx, store.CompleteOrderInput{
		OrderID:     orderID,
		AttendantID: caller.AttendantID,
		OccurredAt:  d.nowFn(),
	})
	if err != nil {
		return models.Order{}, err
	}
	d.cancelTimerLocked(orderID)
	return completed, nil
}

// ForceFinish is the reception desk's recovery path: it completes a pending
// or in_progress order regardless of who is assigned and releases the
// attendant. The caller must hold the reception role.
func (d *Dispatcher) ForceFinish(ctx context.Context, orderID string, caller store.Session) (models.Order, error) {
	if caller.Role != models.RoleReception {
		return models.Order{}, store.ErrPermissionDenied
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	completed, err := d.store.CompleteOrder(ctx, store.CompleteOrderInput{
		OrderID:    orderID,
		Force:      true,
		OccurredAt: d.nowFn(),
	})
	if err != nil {
		return models.Order{}, err
	}
	d.cancelTimerLocked(orderID)
	return completed, nil
}

// UpdateNotes is the one raw patch allowed on an order: free text, any state,
// last writer wins.
func (d *Dispatcher) UpdateNotes(ctx context.Context, orderID, notes string) error {
	return d.store.UpdateNotes(ctx, orderID, notes)
}

// SetStatus applies an attendant's manual presence toggle. Only offline and
// available may be set manually; serving belongs to the assignment path, and
// an attendant who is currently serving cannot toggle themselves out of it.
func (d *Dispatcher) SetStatus(ctx context.Context, caller store.Session, status string) (models.Presence, error) {
	if status != models.StatusOffline && status != models.StatusAvailable {
		return models.Presence{}, store.ErrInvalidStatus
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	current, found, err := d.store.GetPresence(ctx, caller.AttendantID)
	if err != nil {
		return models.Presence{}, err
	}
	if found && current.Status == models.StatusServing {
		return models.Presence{}, store.ErrConflict
	}

	return d.store.SetStatus(ctx, store.SetStatusInput{
		AttendantID: caller.AttendantID,
		DisplayName: caller.DisplayName,
		Status:      status,
		OccurredAt:  d.nowFn(),
	})
}

// CurrentQueue recomputes the derived queue from a fresh presence snapshot.
func (d *Dispatcher) CurrentQueue(ctx context.Context) ([]string, error) {
	snapshot, err := d.store.SnapshotPresence(ctx)
	if err != nil {
		return nil, err
	}
	return queue.Compute(snapshot), nil
}

// ActiveOrderForSession resolves the session's active attendance reference.
func (d *Dispatcher) ActiveOrderForSession(ctx context.Context, sessionID string) (models.Order, bool, error) {
	orderID, found, err := d.store.GetSessionActiveOrder(ctx, sessionID)
	if err != nil || !found {
		return models.Order{}, false, err
	}
	return d.store.GetOrder(ctx, orderID)
}

// ResumeTimers re-arms reassignment timers for orders that were still pending
// when the process last stopped.
func (d *Dispatcher) ResumeTimers(ctx context.Context) error {
	orders, err := d.store.ListOrders(ctx)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, order := range orders {
		if order.Status != models.OrderStatusPending {
			continue
		}
		d.armTimerLocked(order.OrderID)
	}
	return nil
}

// Stop cancels all armed timers.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for orderID, timer := range d.timers {
		timer.Stop()
		delete(d.timers, orderID)
	}
}

func (d *Dispatcher) armTimerLocked(orderID string) {
	if timer, ok := d.timers[orderID]; ok {
		timer.Stop()
	}
	d.timers[orderID] = time.AfterFunc(d.timeout, func() {
		d.handleTimeout(orderID)
	})
}

func (d *Dispatcher) cancelTimerLocked(orderID string) {
	if timer, ok := d.timers[orderID]; ok {
		timer.Stop()
		delete(d.timers, orderID)
	}
}

// handleTimeout fires when an order sat in pending for the full countdown.
// The assignment is treated as rejected: the assignee goes back to available
// with a fresh queue timestamp and the order moves to the head of the queue
// computed without them. A stale firing, for an order that already left
// pending or whose timer was cancelled, is a no-op.
func (d *Dispatcher) handleTimeout(orderID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.timers[orderID]; !ok {
		return
	}
	delete(d.timers, orderID)

	ctx, cancel := context.WithTimeout(context.Background(), timeoutOpDeadline)
	defer cancel()

	order, found, err := d.store.GetOrder(ctx, orderID)
	if err != nil {
		log.Printf("reassign lookup error for order %s: %v", orderID, err)
		d.armTimerLocked(orderID)
		return
	}
	if !found || order.Status != models.OrderStatusPending {
		return
	}

	snapshot, err := d.store.SnapshotPresence(ctx)
	if err != nil {
		log.Printf("reassign snapshot error for order %s: %v", orderID, err)
		d.armTimerLocked(orderID)
		return
	}
	delete(snapshot, order.AssignedAttendantID)
	eligible := queue.Compute(snapshot)
	if len(eligible) == 0 {
		// nobody else to take it; keep the current assignee and retry later
		d.armTimerLocked(orderID)
		return
	}

	next := eligible[0]
	attendant, found, err := d.store.GetAttendant(ctx, next)
	if err != nil || !found {
		log.Printf("reassign target lookup for order %s: found=%v err=%v", orderID, found, err)
		d.armTimerLocked(orderID)
		return
	}

	_, err = d.store.ReassignOrder(ctx, store.ReassignOrderInput{
		OrderID:         orderID,
		FromAttendantID: order.AssignedAttendantID,
		ToAttendantID:   attendant.AttendantID,
		ToAttendantName: attendant.DisplayName,
		OccurredAt:      d.nowFn(),
	})
	if err == store.ErrInvalidTransition || err == store.ErrConflict {
		// the order left pending between the read and the write; nothing to do
		return
	}
	if err != nil {
		log.Printf("reassign error for order %s: %v", orderID, err)
		d.armTimerLocked(orderID)
		return
	}

	log.Printf("order %s reassigned from %s to %s after timeout", orderID, order.AssignedAttendantID, attendant.AttendantID)
	d.armTimerLocked(orderID)
}
