package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) handle(c Change) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *recorder) rows() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.changes))
	for _, c := range r.changes {
		out = append(out, string(c.Row))
	}
	return out
}

func rowChange(n int) Change {
	body, _ := json.Marshal(n)
	return Change{Table: "messages", Op: OpInsert, Row: body}
}

func TestFilterChannel(t *testing.T) {
	assert.Equal(t, "profiles", Filter{Table: "profiles"}.Channel())
	assert.Equal(t, "messages:c1", Filter{Table: "messages", Column: "conversation_id", Value: "c1"}.Channel())
}

func TestBrokerDeliversInOrder(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()
	rec := &recorder{}

	_, err := b.Subscribe(context.Background(), Filter{Table: "messages", Column: "conversation_id", Value: "c1"}, rec.handle)
	require.NoError(t, err)

	want := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		assert.Equal(t, 1, b.Publish("messages:c1", rowChange(i)))
		want = append(want, string(rowChange(i).Row))
	}

	require.Eventually(t, func() bool { return len(rec.rows()) == 100 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, rec.rows())
}

func TestBrokerScopesByChannel(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()
	a, other := &recorder{}, &recorder{}

	_, err := b.Subscribe(context.Background(), Filter{Table: "messages", Column: "conversation_id", Value: "a"}, a.handle)
	require.NoError(t, err)
	_, err = b.Subscribe(context.Background(), Filter{Table: "messages", Column: "conversation_id", Value: "b"}, other.handle)
	require.NoError(t, err)

	b.Publish("messages:a", rowChange(1))

	require.Eventually(t, func() bool { return len(a.rows()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, other.rows())
}

func TestBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()
	rec := &recorder{}

	sub, err := b.Subscribe(context.Background(), Filter{Table: "profiles"}, rec.handle)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Subscribers("profiles"))

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)

	assert.Equal(t, 0, b.Subscribers("profiles"))
	assert.Equal(t, 0, b.Publish("profiles", rowChange(1)))
	<-sub.Done()
	assert.Empty(t, rec.rows())
}

func TestBrokerContextCancelUnsubscribes(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := b.Subscribe(ctx, Filter{Table: "profiles"}, func(Change) {})
	require.NoError(t, err)

	cancel()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not torn down after cancel")
	}
	require.Eventually(t, func() bool { return b.Subscribers("profiles") == 0 }, time.Second, 5*time.Millisecond)
}

func TestBrokerCloseStopsEverything(t *testing.T) {
	b := NewBroker(nil)
	s1, _ := b.Subscribe(context.Background(), Filter{Table: "profiles"}, func(Change) {})
	s2, _ := b.Subscribe(context.Background(), Filter{Table: "messages", Column: "conversation_id", Value: "x"}, func(Change) {})

	b.Close()

	<-s1.Done()
	<-s2.Done()
	assert.Equal(t, 0, b.Subscribers("profiles"))
}
