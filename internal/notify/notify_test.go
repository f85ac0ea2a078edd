package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bazaar/internal/circuitbreaker"
	"github.com/mbd888/bazaar/internal/logging"
	"github.com/mbd888/bazaar/internal/store"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
	err    error
	panics bool
}

func (r *recordingNotifier) Notify(ctx context.Context, ev Event) error {
	if r.panics {
		panic("provider exploded")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestDispatch_FansOutToNotifiers(t *testing.T) {
	a, b := &recordingNotifier{}, &recordingNotifier{}
	d := NewDispatcher(logging.Discard(), []Notifier{a, nil, b})

	o := &store.Order{ID: "ord_1", BuyerID: "buyer", SellerID: "seller"}
	d.Dispatch(context.Background(), OrderEvent(EventOrderDelivered, o))
	d.Wait()

	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())
	assert.Equal(t, []string{"buyer", "seller"}, a.events[0].Recipients)
}

func TestDispatch_FailuresAreIsolated(t *testing.T) {
	failing := &recordingNotifier{err: errors.New("smtp down")}
	panicking := &recordingNotifier{panics: true}
	ok := &recordingNotifier{}
	d := NewDispatcher(logging.Discard(), []Notifier{failing, panicking, ok})

	d.Dispatch(context.Background(), Event{Type: EventOrderCreated, OrderID: "ord_1"})
	d.Wait()

	assert.Equal(t, 1, ok.count())
}

func TestDispatch_OutlivesRequestContext(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var gotErr error
	n := notifierFunc(func(ctx context.Context, ev Event) error {
		close(started)
		<-release
		gotErr = ctx.Err()
		return nil
	})
	d := NewDispatcher(logging.Discard(), []Notifier{n}, WithTimeout(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	d.Dispatch(ctx, Event{Type: EventOrderCancelled})
	<-started
	cancel()
	close(release)
	d.Wait()

	assert.NoError(t, gotErr, "side effect must not inherit request cancellation")
}

func TestDispatch_NilDispatcher(t *testing.T) {
	var d *Dispatcher
	d.Dispatch(context.Background(), Event{Type: EventOrderCreated})
}

type notifierFunc func(ctx context.Context, ev Event) error

func (f notifierFunc) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

func TestKeys(t *testing.T) {
	ev := Event{OrderID: "ord_1", Recipients: []string{"buyer", "seller", "buyer", ""}}
	assert.Equal(t, []string{"cache:order:ord_1", "cache:wallet:buyer", "cache:wallet:seller"}, Keys(ev))
	assert.Empty(t, Keys(Event{}))
}

func TestCachePurger_DeletesKeys(t *testing.T) {
	db, mock := redismock.NewClientMock()
	p := NewCachePurger(db)

	mock.ExpectDel("cache:order:ord_1", "cache:wallet:buyer", "cache:wallet:seller").SetVal(3)

	err := p.Purge(context.Background(), Event{OrderID: "ord_1", Recipients: []string{"buyer", "seller"}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCachePurger_RedisError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	p := NewCachePurger(db)

	mock.ExpectDel("cache:order:ord_1").SetErr(errors.New("connection reset"))

	err := p.Purge(context.Background(), Event{OrderID: "ord_1"})
	assert.Error(t, err)
}

func TestCachePurger_BreakerStopsCallingRedis(t *testing.T) {
	db, mock := redismock.NewClientMock()
	p := NewCachePurger(db).WithBreaker(circuitbreaker.New(1, time.Hour))

	mock.ExpectDel("cache:order:ord_1").SetErr(errors.New("connection reset"))

	ev := Event{OrderID: "ord_1"}
	assert.Error(t, p.Purge(context.Background(), ev))
	assert.ErrorIs(t, p.Purge(context.Background(), ev), circuitbreaker.ErrOpen)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatch_PurgesCache(t *testing.T) {
	db, mock := redismock.NewClientMock()
	mock.ExpectDel("cache:order:ord_9", "cache:wallet:b", "cache:wallet:s").SetVal(1)

	d := NewDispatcher(logging.Discard(), nil, WithPurger(NewCachePurger(db)))
	d.Dispatch(context.Background(), OrderEvent(EventOrderCancelled, &store.Order{ID: "ord_9", BuyerID: "b", SellerID: "s"}))
	d.Wait()

	assert.NoError(t, mock.ExpectationsWereMet())
}
