package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cabelost/depillo-sistema/internal/models"
	"github.com/cabelost/depillo-sistema/internal/store"
	"github.com/cabelost/depillo-sistema/internal/store/memory"
)

func newTestStore(t *testing.T, attendantIDs ...string) *memory.Store {
	t.Helper()
	s := memory.NewStore()
	for _, id := range attendantIDs {
		s.RegisterAttendant(models.Attendant{AttendantID: id, DisplayName: "Attendant " + id, Role: models.RoleAttendant})
	}
	return s
}

func goAvailable(t *testing.T, s *memory.Store, attendantID string, when time.Time) {
	t.Helper()
	if _, err := s.SetStatus(context.Background(), store.SetStatusInput{
		AttendantID: attendantID,
		Status:      models.StatusAvailable,
		OccurredAt:  when,
	}); err != nil {
		t.Fatalf("SetStatus(%s): %v", attendantID, err)
	}
}

func session(attendantID, role string) store.Session {
	return store.Session{SessionID: "sess-" + attendantID, AttendantID: attendantID, DisplayName: "Attendant " + attendantID, Role: role}
}

func TestAssignPicksQueueHead(t *testing.T) {
	s := newTestStore(t, "x", "y")
	base := time.Now().UTC()
	goAvailable(t, s, "x", base)
	goAvailable(t, s, "y", base.Add(time.Second))

	d := New(s, time.Minute)
	defer d.Stop()

	order, err := d.Assign(context.Background(), OrderDraft{ClientName: "Ana", Service: "Wax"}, "")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if order.AssignedAttendantID != "x" {
		t.Fatalf("assigned to %q, want x (queued first)", order.AssignedAttendantID)
	}
	if order.Status != models.OrderStatusPending {
		t.Fatalf("order status=%q, want pending", order.Status)
	}

	presence, _, _ := s.GetPresence(context.Background(), "x")
	if presence.Status != models.StatusServing {
		t.Fatalf("x presence=%q, want serving", presence.Status)
	}
}

func TestAssignExplicitTargetBypassesQueue(t *testing.T) {
	s := newTestStore(t, "x", "y")
	base := time.Now().UTC()
	goAvailable(t, s, "x", base)
	goAvailable(t, s, "y", base.Add(time.Second))

	d := New(s, time.Minute)
	defer d.Stop()

	order, err := d.Assign(context.Background(), OrderDraft{ClientName: "Ana", Service: "Wax"}, "y")
	if err != nil {
		t.Fatalf("Assign explicit: %v", err)
	}
	if order.AssignedAttendantID != "y" {
		t.Fatalf("assigned to %q, want explicit target y", order.AssignedAttendantID)
	}
	if order.AssignedAttendantName != "Attendant y" {
		t.Fatalf("denormalized name=%q, want Attendant y", order.AssignedAttendantName)
	}
}

func TestAssignErrors(t *testing.T) {
	s := newTestStore(t, "x")
	d := New(s, time.Minute)
	defer d.Stop()
	ctx := context.Background()

	if _, err := d.Assign(ctx, OrderDraft{ClientName: "Ana", Service: "Wax"}, ""); err != store.ErrNoAttendantAvailable {
		t.Fatalf("empty queue: got %v, want ErrNoAttendantAvailable", err)
	}
	if _, err := d.Assign(ctx, OrderDraft{ClientName: "Ana", Service: "Wax"}, "ghost"); err != store.ErrUnknownAttendant {
		t.Fatalf("unknown explicit target: got %v, want ErrUnknownAttendant", err)
	}
}

func TestAssignStartFinishRoundTrip(t *testing.T) {
	s := newTestStore(t, "x")
	base := time.Now().UTC()
	goAvailable(t, s, "x", base)

	d := New(s, time.Minute)
	defer d.Stop()
	clock := base
	d.nowFn = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	ctx := context.Background()

	order, err := d.Assign(ctx, OrderDraft{ClientName: "Ana", Service: "Wax"}, "")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	caller := session("x", models.RoleAttendant)
	s.PutSession(store.Session{SessionID: caller.SessionID, AttendantID: "x", Role: models.RoleAttendant})

	started, err := d.Start(ctx, order.OrderID, caller)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if started.Status != models.OrderStatusInProgress || started.StartedAt == nil {
		t.Fatalf("started order=%+v, want in_progress with StartedAt", started)
	}

	if active, found, _ := d.ActiveOrderForSession(ctx, caller.SessionID); !found || active.OrderID != order.OrderID {
		t.Fatalf("active order for session found=%v id=%q, want %q", found, active.OrderID, order.OrderID)
	}

	finished, err := d.Finish(ctx, order.OrderID, caller)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if finished.Status != models.OrderStatusCompleted || finished.CompletedAt == nil {
		t.Fatalf("finished order=%+v, want completed with CompletedAt", finished)
	}
	if !finished.StartedAt.Before(*finished.CompletedAt) {
		t.Fatalf("startedAt %v not before completedAt %v", finished.StartedAt, finished.CompletedAt)
	}

	presence, _, _ := s.GetPresence(ctx, "x")
	if presence.Status != models.StatusAvailable || presence.QueueTimestamp == nil {
		t.Fatalf("presence after finish=%+v, want available with timestamp", presence)
	}
	if !presence.QueueTimestamp.After(base) {
		t.Fatalf("queue timestamp %v not after the one recorded at assign time %v", presence.QueueTimestamp, base)
	}

	if _, found, _ := d.ActiveOrderForSession(ctx, caller.SessionID); found {
		t.Fatal("active order reference should be cleared after finish")
	}
}

func TestReassignAfterTimeout(t *testing.T) {
	s := newTestStore(t, "x", "y")
	base := time.Now().UTC()
	goAvailable(t, s, "x", base)
	goAvailable(t, s, "y", base.Add(time.Millisecond))

	d := New(s, 20*time.Millisecond)
	defer d.Stop()
	ctx := context.Background()

	order, err := d.Assign(ctx, OrderDraft{ClientName: "Ana", Service: "Wax"}, "")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if order.AssignedAttendantID != "x" {
		t.Fatalf("assigned to %q, want x", order.AssignedAttendantID)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		current, _, err := s.GetOrder(ctx, order.OrderID)
		if err != nil {
			t.Fatalf("GetOrder: %v", err)
		}
		if current.AssignedAttendantID == "y" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("order was not reassigned to y, still %+v", current)
		}
		time.Sleep(5 * time.Millisecond)
	}

	xPresence, _, _ := s.GetPresence(ctx, "x")
	if xPresence.Status != models.StatusAvailable || xPresence.QueueTimestamp == nil {
		t.Fatalf("x presence after timeout=%+v, want available with fresh timestamp", xPresence)
	}
	if !xPresence.QueueTimestamp.After(base) {
		t.Fatalf("x queue timestamp %v not refreshed past %v", xPresence.QueueTimestamp, base)
	}
	yPresence, _, _ := s.GetPresence(ctx, "y")
	if yPresence.Status != models.StatusServing {
		t.Fatalf("y presence after timeout=%q, want serving", yPresence.Status)
	}
}

func TestTimeoutWithNoOtherAttendantKeepsAssignment(t *testing.T) {
	s := newTestStore(t, "x")
	base := time.Now().UTC()
	goAvailable(t, s, "x", base)

	d := New(s, time.Minute)
	defer d.Stop()
	ctx := context.Background()

	order, err := d.Assign(ctx, OrderDraft{ClientName: "Ana", Service: "Wax"}, "")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}

	d.handleTimeout(order.OrderID)

	current, _, _ := s.GetOrder(ctx, order.OrderID)
	if current.AssignedAttendantID != "x" || current.Status != models.OrderStatusPending {
		t.Fatalf("order after empty-queue timeout=%+v, want still pending with x", current)
	}
	presence, _, _ := s.GetPresence(ctx, "x")
	if presence.Status != models.StatusServing {
		t.Fatalf("x presence=%q, want serving (not released into the queue)", presence.Status)
	}
	d.mu.Lock()
	_, rearmed := d.timers[order.OrderID]
	d.mu.Unlock()
	if !rearmed {
		t.Fatal("timer should be re-armed for a later retry")
	}
}

func TestStaleTimerFiringIsNoop(t *testing.T) {
	s := newTestStore(t, "x", "y")
	base := time.Now().UTC()
	goAvailable(t, s, "x", base)
	goAvailable(t, s, "y", base.Add(time.Second))

	d := New(s, time.Minute)
	defer d.Stop()
	ctx := context.Background()

	order, err := d.Assign(ctx, OrderDraft{ClientName: "Ana", Service: "Wax"}, "")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if _, err := d.Start(ctx, order.OrderID, session("x", models.RoleAttendant)); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// cancelled timer entry: firing must be a pure no-op
	d.handleTimeout(order.OrderID)

	// stale entry for an order that already left pending: also a no-op
	d.mu.Lock()
	d.armTimerLocked(order.OrderID)
	d.mu.Unlock()
	d.handleTimeout(order.OrderID)

	current, _, _ := s.GetOrder(ctx, order.OrderID)
	if current.Status != models.OrderStatusInProgress || current.AssignedAttendantID != "x" {
		t.Fatalf("order after stale firings=%+v, want in_progress with x", current)
	}
	yPresence, _, _ := s.GetPresence(ctx, "y")
	if yPresence.Status != models.StatusAvailable {
		t.Fatalf("y presence=%q, want untouched available", yPresence.Status)
	}
}

func TestForceFinishByReception(t *testing.T) {
	s := newTestStore(t, "z")
	base := time.Now().UTC()
	goAvailable(t, s, "z", base)

	d := New(s, time.Minute)
	defer d.Stop()
	ctx := context.Background()

	order, err := d.Assign(ctx, OrderDraft{ClientName: "Ana", Service: "Wax"}, "")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if _, err := d.Start(ctx, order.OrderID, session("z", models.RoleAttendant)); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := d.ForceFinish(ctx, order.OrderID, session("other", models.RoleAttendant)); err != store.ErrPermissionDenied {
		t.Fatalf("non-reception force-finish: got %v, want ErrPermissionDenied", err)
	}

	finished, err := d.ForceFinish(ctx, order.OrderID, session("front-desk", models.RoleReception))
	if err != nil {
		t.Fatalf("ForceFinish: %v", err)
	}
	if finished.Status != models.OrderStatusCompleted {
		t.Fatalf("order status=%q, want completed", finished.Status)
	}
	presence, _, _ := s.GetPresence(ctx, "z")
	if presence.Status != models.StatusAvailable {
		t.Fatalf("z presence=%q, want available after force-finish", presence.Status)
	}
}

func TestConcurrentStartSucceedsExactlyOnce(t *testing.T) {
	s := newTestStore(t, "x")
	base := time.Now().UTC()
	goAvailable(t, s, "x", base)

	d := New(s, time.Minute)
	defer d.Stop()
	ctx := context.Background()

	order, err := d.Assign(ctx, OrderDraft{ClientName: "Ana", Service: "Wax"}, "")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}

	caller := session("x", models.RoleAttendant)
	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Start(ctx, order.OrderID, caller)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, invalid int
	for err := range results {
		switch err {
		case nil:
			successes++
		case store.ErrInvalidTransition:
			invalid++
		default:
			t.Fatalf("unexpected error from concurrent start: %v", err)
		}
	}
	if successes != 1 || invalid != 1 {
		t.Fatalf("got %d successes and %d invalid-transition failures, want exactly 1 and 1", successes, invalid)
	}
}

func TestStartByNonAssignee(t *testing.T) {
	s := newTestStore(t, "x", "y")
	base := time.Now().UTC()
	goAvailable(t, s, "x", base)

	d := New(s, time.Minute)
	defer d.Stop()
	ctx := context.Background()

	order, err := d.Assign(ctx, OrderDraft{ClientName: "Ana", Service: "Wax"}, "")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if _, err := d.Start(ctx, order.OrderID, session("y", models.RoleAttendant)); err != store.ErrPermissionDenied {
		t.Fatalf("start by non-assignee: got %v, want ErrPermissionDenied", err)
	}
	if _, err := d.Finish(ctx, order.OrderID, session("y", models.RoleAttendant)); err != store.ErrPermissionDenied {
		t.Fatalf("finish by non-assignee: got %v, want ErrPermissionDenied", err)
	}
}

func TestSetStatusWhileServingRejected(t *testing.T) {
	s := newTestStore(t, "x")
	base := time.Now().UTC()
	goAvailable(t, s, "x", base)

	d := New(s, time.Minute)
	defer d.Stop()
	ctx := context.Background()

	if _, err := d.Assign(ctx, OrderDraft{ClientName: "Ana", Service: "Wax"}, ""); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if _, err := d.SetStatus(ctx, session("x", models.RoleAttendant), models.StatusAvailable); err != store.ErrConflict {
		t.Fatalf("toggle while serving: got %v, want ErrConflict", err)
	}
	if _, err := d.SetStatus(ctx, session("x", models.RoleAttendant), models.StatusServing); err != store.ErrInvalidStatus {
		t.Fatalf("manual serving toggle: got %v, want ErrInvalidStatus", err)
	}
}

func TestResumeTimersReArmsPendingOrders(t *testing.T) {
	s := newTestStore(t, "x", "y")
	base := time.Now().UTC()
	goAvailable(t, s, "x", base)
	goAvailable(t, s, "y", base.Add(time.Millisecond))

	first := New(s, time.Hour)
	order, err := first.Assign(context.Background(), OrderDraft{ClientName: "Ana", Service: "Wax"}, "")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	first.Stop()

	second := New(s, 20*time.Millisecond)
	defer second.Stop()
	if err := second.ResumeTimers(context.Background()); err != nil {
		t.Fatalf("ResumeTimers: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		current, _, err := s.GetOrder(context.Background(), order.OrderID)
		if err != nil {
			t.Fatalf("GetOrder: %v", err)
		}
		if current.AssignedAttendantID == "y" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("resumed timer never reassigned the order, still %+v", current)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartSecondOrderWhileServingRejected(t *testing.T) {
	s := newTestStore(t, "x")
	base := time.Now().UTC()
	goAvailable(t, s, "x", base)

	d := New(s, time.Minute)
	defer d.Stop()
	ctx := context.Background()
	caller := session("x", models.RoleAttendant)

	first, err := d.Assign(ctx, OrderDraft{ClientName: "Ana", Service: "Wax"}, "")
	if err != nil {
		t.Fatalf("Assign first: %v", err)
	}
	if _, err := d.Start(ctx, first.OrderID, caller); err != nil {
		t.Fatalf("Start first: %v", err)
	}

	second, err := d.Assign(ctx, OrderDraft{ClientName: "Bia", Service: "Brow"}, "x")
	if err != nil {
		t.Fatalf("Assign second: %v", err)
	}
	if _, err := d.Start(ctx, second.OrderID, caller); err != store.ErrConflict {
		t.Fatalf("Start second while first in_progress = %v, want ErrConflict", err)
	}

	orders, err := s.ListOrders(ctx)
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	inProgress := 0
	for _, order := range orders {
		if order.AssignedAttendantID == "x" && order.Status == models.OrderStatusInProgress {
			inProgress++
		}
	}
	if inProgress != 1 {
		t.Fatalf("x holds %d in_progress orders, want 1", inProgress)
	}

	if _, err := d.Finish(ctx, first.OrderID, caller); err != nil {
		t.Fatalf("Finish first: %v", err)
	}
	got, _, _ := s.GetOrder(ctx, second.OrderID)
	if got.Status != models.OrderStatusPending {
		t.Fatalf("second order=%q, want still pending", got.Status)
	}

	if _, err := d.Start(ctx, second.OrderID, caller); err != nil {
		t.Fatalf("Start second after finish: %v", err)
	}
	presence, _, _ := s.GetPresence(ctx, "x")
	if presence.Status != models.StatusServing {
		t.Fatalf("x presence=%q, want serving while second order in_progress", presence.Status)
	}
	if presence.QueueTimestamp != nil {
		t.Fatalf("x queue timestamp=%v, want cleared while serving", presence.QueueTimestamp)
	}
}
