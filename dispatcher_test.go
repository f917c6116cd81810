// perlcomplete/dispatcher_test.go
package perlcomplete

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// gateCaller blocks each call until the gate named by params["key"] is opened.
type gateCaller struct {
	mu    sync.Mutex
	gates map[string]chan struct{}
	fail  map[string]error
	panic map[string]bool
}

func newGateCaller() *gateCaller {
	return &gateCaller{gates: map[string]chan struct{}{}, fail: map[string]error{}, panic: map[string]bool{}}
}

func (g *gateCaller) gate(key string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.gates[key]
	if !ok {
		ch = make(chan struct{})
		g.gates[key] = ch
	}
	return ch
}

func (g *gateCaller) open(key string) { close(g.gate(key)) }

func (g *gateCaller) Call(ctx context.Context, method Method, params RequestParams) (*Response, error) {
	key, _ := params["key"].(string)
	select {
	case <-g.gate(key):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	g.mu.Lock()
	err, shouldPanic := g.fail[key], g.panic[key]
	g.mu.Unlock()
	if shouldPanic {
		panic("boom " + key)
	}
	if err != nil {
		return nil, err
	}
	body, _ := json.Marshal(key)
	return &Response{Success: true, Body: body}, nil
}

func keyParams(key string) RequestParams { return RequestParams{"key": key} }

// collect returns a DeliverFunc feeding ch.
func collect(ch chan<- Delivery) DeliverFunc {
	return func(d Delivery) { ch <- d }
}

func waitDelivery(t *testing.T, ch <-chan Delivery) Delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a delivery")
		return Delivery{}
	}
}

func TestDispatcher_OnlyNewestResultDelivered(t *testing.T) {
	caller := newGateCaller()
	d := NewDispatcher(caller, discardLogger())
	deliveries := make(chan Delivery, 4)

	first := d.Submit(CategoryCompletion, MethodAutocompleteSubroutine, keyParams("first"), collect(deliveries))
	second := d.Submit(CategoryCompletion, MethodAutocompleteSubroutine, keyParams("second"), collect(deliveries))
	if first == 0 || second <= first {
		t.Fatalf("tokens = %d, %d; want increasing non-zero", first, second)
	}
	if d.IsCurrent(CategoryCompletion, first) || !d.IsCurrent(CategoryCompletion, second) {
		t.Error("IsCurrent does not track the newest submission")
	}
	if !d.Running(CategoryCompletion) {
		t.Error("Running(completion) = false with jobs in flight")
	}

	// The newer job finishes first; the older one must be dropped.
	caller.open("second")
	got := waitDelivery(t, deliveries)
	if got.Token != second || got.Err != nil || string(got.Response.Body) != `"second"` {
		t.Errorf("delivery = %+v, want the second job's result", got)
	}
	if d.Running(CategoryCompletion) {
		t.Error("Running(completion) = true after the current job was delivered")
	}

	caller.open("first")
	d.Close()
	select {
	case extra := <-deliveries:
		t.Errorf("stale result delivered: %+v", extra)
	default:
	}
	if st := d.Stats(); st.Submitted != 2 || st.Delivered != 1 || st.Stale != 1 {
		t.Errorf("Stats() = %+v, want 2 submitted, 1 delivered, 1 stale", st)
	}
}

func TestDispatcher_OlderFinishingFirstIsDropped(t *testing.T) {
	caller := newGateCaller()
	d := NewDispatcher(caller, discardLogger())
	defer d.Close()
	deliveries := make(chan Delivery, 4)

	d.Submit(CategoryUsages, MethodFindUsages, keyParams("old"), collect(deliveries))
	newest := d.Submit(CategoryUsages, MethodFindUsages, keyParams("new"), collect(deliveries))

	caller.open("old")
	caller.open("new")
	got := waitDelivery(t, deliveries)
	if got.Token != newest {
		t.Errorf("delivered token %d, want %d", got.Token, newest)
	}
}

func TestDispatcher_CategoriesAreIndependent(t *testing.T) {
	caller := newGateCaller()
	d := NewDispatcher(caller, discardLogger())
	defer d.Close()
	deliveries := make(chan Delivery, 4)

	d.Submit(CategoryCompletion, MethodAutocompleteVariable, keyParams("c"), collect(deliveries))
	d.Submit(CategoryDeclaration, MethodFindDeclaration, keyParams("d"), collect(deliveries))
	caller.open("c")
	caller.open("d")

	seen := map[Category]bool{}
	for i := 0; i < 2; i++ {
		got := waitDelivery(t, deliveries)
		seen[got.Category] = true
	}
	if !seen[CategoryCompletion] || !seen[CategoryDeclaration] {
		t.Errorf("delivered categories = %v, want completion and declaration", seen)
	}
}

func TestDispatcher_HardFailureDelivered(t *testing.T) {
	caller := newGateCaller()
	caller.fail["down"] = ErrServerUnavailable
	d := NewDispatcher(caller, discardLogger())
	defer d.Close()
	deliveries := make(chan Delivery, 1)

	d.Submit(CategoryIndex, MethodIndexProject, keyParams("down"), collect(deliveries))
	caller.open("down")
	got := waitDelivery(t, deliveries)
	if !errors.Is(got.Err, ErrServerUnavailable) || got.Response != nil {
		t.Errorf("delivery = %+v, want ErrServerUnavailable and no response", got)
	}
	if got.Method != MethodIndexProject || got.Category != CategoryIndex {
		t.Errorf("delivery metadata = %+v", got)
	}
}

func TestDispatcher_PanicRecovered(t *testing.T) {
	caller := newGateCaller()
	caller.panic["p"] = true
	d := NewDispatcher(caller, discardLogger())
	defer d.Close()
	deliveries := make(chan Delivery, 1)

	d.Submit(CategoryCompletion, MethodAutocompleteSubroutine, keyParams("p"), collect(deliveries))
	caller.open("p")
	got := waitDelivery(t, deliveries)
	var pe *jobPanicError
	if !errors.As(got.Err, &pe) {
		t.Fatalf("delivery error = %v, want a job panic error", got.Err)
	}
	if pe.Error() != "job panicked: boom p" {
		t.Errorf("panic error = %q", pe.Error())
	}
}

func TestDispatcher_DeliverPanicRecovered(t *testing.T) {
	caller := newGateCaller()
	d := NewDispatcher(caller, discardLogger())

	reached := make(chan struct{})
	d.Submit(CategoryCompletion, MethodAutocompleteSubroutine, keyParams("bad"), func(Delivery) {
		close(reached)
		panic("callback blew up")
	})
	caller.open("bad")
	select {
	case <-reached:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the first callback")
	}

	deliveries := make(chan Delivery, 1)
	d.Submit(CategoryCompletion, MethodAutocompleteSubroutine, keyParams("good"), collect(deliveries))
	caller.open("good")
	got := waitDelivery(t, deliveries)
	if got.Err != nil || string(got.Response.Body) != `"good"` {
		t.Errorf("delivery after callback panic = %+v", got)
	}

	d.Close()
	if st := d.Stats(); st.DeliverPanics != 1 {
		t.Errorf("Stats().DeliverPanics = %d, want 1", st.DeliverPanics)
	}
}

func TestDispatcher_CloseCancelsInFlight(t *testing.T) {
	caller := newGateCaller()
	d := NewDispatcher(caller, discardLogger())
	deliveries := make(chan Delivery, 2)

	d.Submit(CategoryUsages, MethodFindUsages, keyParams("never"), collect(deliveries))
	done := make(chan struct{})
	go func() {
		d.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close() did not return with a job in flight")
	}
	got := waitDelivery(t, deliveries)
	if !errors.Is(got.Err, context.Canceled) {
		t.Errorf("in-flight delivery error = %v, want context.Canceled", got.Err)
	}

	var closedErr error
	token := d.Submit(CategoryUsages, MethodFindUsages, keyParams("late"), func(dl Delivery) { closedErr = dl.Err })
	if token != 0 || !errors.Is(closedErr, ErrDispatcherClosed) {
		t.Errorf("Submit after Close = token %d, err %v; want 0 and ErrDispatcherClosed", token, closedErr)
	}
	d.Close() // Idempotent.
}

func TestDispatcher_SessionID(t *testing.T) {
	a := NewDispatcher(newGateCaller(), discardLogger())
	b := NewDispatcher(newGateCaller(), discardLogger())
	defer a.Close()
	defer b.Close()
	if _, err := uuid.Parse(a.SessionID()); err != nil {
		t.Errorf("SessionID() = %q is not a UUID: %v", a.SessionID(), err)
	}
	if a.SessionID() == b.SessionID() {
		t.Error("two dispatchers share a session id")
	}
}
