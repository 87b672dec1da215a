package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tundrag/audio-streaming-app1-sub000/internal/broker"
)

// memBroker is an in-memory topic bus shared by the manager instances in
// a test, standing in for the broker the replicas would share.
type memBroker struct {
	mu        sync.Mutex
	subs      map[string][]*memSub
	publishOK bool
	rawFeed   []byte // optional payload injected before real traffic
}

func newMemBroker() *memBroker {
	return &memBroker{subs: make(map[string][]*memSub), publishOK: true}
}

func (b *memBroker) Publish(_ context.Context, topic string, payload []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.publishOK {
		return false
	}
	for _, s := range b.subs[topic] {
		s.msgCh <- payload
	}
	return true
}

func (b *memBroker) Subscribe(_ context.Context, topic string) (broker.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &memSub{msgCh: make(chan []byte, 64)}
	if b.rawFeed != nil {
		s.msgCh <- b.rawFeed
	}
	b.subs[topic] = append(b.subs[topic], s)
	return s, nil
}

func (b *memBroker) subscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

func (b *memBroker) setPublishOK(ok bool) {
	b.mu.Lock()
	b.publishOK = ok
	b.mu.Unlock()
}

type memSub struct {
	msgCh chan []byte
}

func (s *memSub) Fetch(ctx context.Context, timeout time.Duration) ([]byte, bool, error) {
	select {
	case payload := <-s.msgCh:
		return payload, true, nil
	case <-time.After(timeout):
		return nil, false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (s *memSub) Close() error { return nil }

// testManager wires a manager to an httptest server so tests connect
// through real websocket handshakes.
func testManager(t *testing.T, b Broker, hooks Hooks) (*Manager, func(identity string) *ws.Conn) {
	t.Helper()

	m := NewManager("broadcasts", b, clockwork.NewRealClock(), hooks)
	t.Cleanup(func() { m.Close() })

	upgrader := ws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		identity := r.URL.Query().Get("identity")
		if err := m.Connect(conn, identity); err != nil {
			t.Errorf("connect failed: %v", err)
			return
		}

		go func() {
			defer m.Disconnect(conn)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					break
				}
			}
		}()
	}))
	t.Cleanup(func() { server.Close() })

	dial := func(identity string) *ws.Conn {
		t.Helper()
		url := "ws" + strings.TrimPrefix(server.URL, "http") + "?identity=" + identity
		conn, _, err := ws.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		return conn
	}

	return m, dial
}

func waitForSubscribers(t *testing.T, b *memBroker, expected int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return b.subscriberCount("events:broadcasts") >= expected
	}, 2*time.Second, 5*time.Millisecond)
}

func waitForClientCount(m *Manager, identity string, expected int) bool {
	for range 100 {
		if m.ClientCount(identity) == expected {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

func readEnvelope(t *testing.T, conn *ws.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	return env
}

func assertNoMessage(t *testing.T, conn *ws.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func TestManager_BroadcastReachesAllSockets(t *testing.T) {
	b := newMemBroker()
	m, dial := testManager(t, b, Hooks{})

	alice := dial("alice")
	aliceTablet := dial("alice")
	bob := dial("bob")
	require.True(t, waitForClientCount(m, "alice", 2))
	require.True(t, waitForClientCount(m, "bob", 1))
	waitForSubscribers(t, b, 1)

	m.Broadcast(context.Background(), NewEnvelope("new_broadcast", map[string]any{"message": "hello"}))

	for _, conn := range []*ws.Conn{alice, aliceTablet, bob} {
		env := readEnvelope(t, conn)
		assert.Equal(t, "new_broadcast", env.Kind())
		assert.Equal(t, "hello", env["message"])
	}
}

func TestManager_SendToUserOnlyReachesTarget(t *testing.T) {
	b := newMemBroker()
	m, dial := testManager(t, b, Hooks{})

	alice := dial("alice")
	bob := dial("bob")
	require.True(t, waitForClientCount(m, "alice", 1))
	require.True(t, waitForClientCount(m, "bob", 1))
	waitForSubscribers(t, b, 1)

	m.SendToUser(context.Background(), "alice", NewEnvelope("tts_status", map[string]any{"job_id": "j1", "status": "complete"}))

	env := readEnvelope(t, alice)
	assert.Equal(t, "tts_status", env.Kind())
	assert.Equal(t, "j1", env["job_id"])

	// the routing field never leaks to clients
	_, present := env["target_identities"]
	assert.False(t, present)

	assertNoMessage(t, bob)
}

func TestManager_DisconnectIsIdempotentAndNeverLeavesEmptyBuckets(t *testing.T) {
	m, dial := testManager(t, newMemBroker(), Hooks{})

	conn := dial("alice")
	require.True(t, waitForClientCount(m, "alice", 1))
	assert.Equal(t, []string{"alice"}, m.Identities())

	conn.Close()
	require.True(t, waitForClientCount(m, "alice", 0))
	assert.Empty(t, m.Identities())

	// a second disconnect for the same socket is a no-op
	m.Disconnect(nil)
	assert.Empty(t, m.Identities())
	assert.Equal(t, 0, m.ClientCount("alice"))
}

func TestManager_LocalDeliveryWhenPublishFails(t *testing.T) {
	b := newMemBroker()
	m, dial := testManager(t, b, Hooks{})

	conn := dial("alice")
	require.True(t, waitForClientCount(m, "alice", 1))

	b.setPublishOK(false)
	m.Broadcast(context.Background(), NewEnvelope("new_broadcast", map[string]any{"message": "offline"}))

	env := readEnvelope(t, conn)
	assert.Equal(t, "offline", env["message"])
}

func TestManager_ListenerDropsMalformedPayloads(t *testing.T) {
	b := newMemBroker()
	b.rawFeed = []byte("not an envelope")
	m, dial := testManager(t, b, Hooks{})

	conn := dial("alice")
	require.True(t, waitForClientCount(m, "alice", 1))
	waitForSubscribers(t, b, 1)

	// the garbage injected on subscribe must not kill the listener
	m.Broadcast(context.Background(), NewEnvelope("new_broadcast", map[string]any{"message": "still alive"}))

	env := readEnvelope(t, conn)
	assert.Equal(t, "still alive", env["message"])
}

func TestManager_FilterSuppressesDelivery(t *testing.T) {
	b := newMemBroker()
	m, dial := testManager(t, b, Hooks{})
	m.SetFilter(func(env Envelope) bool { return env.Kind() != "muted" })

	conn := dial("alice")
	require.True(t, waitForClientCount(m, "alice", 1))
	waitForSubscribers(t, b, 1)

	m.Broadcast(context.Background(), NewEnvelope("muted", nil))
	assertNoMessage(t, conn)
}

func TestManager_HooksObserveFirstAndLastTransitions(t *testing.T) {
	var mu sync.Mutex
	type event struct {
		identity string
		edge     bool
	}
	var connects, disconnects []event

	hooks := Hooks{
		OnConnect: func(identity string, first bool) {
			mu.Lock()
			connects = append(connects, event{identity, first})
			mu.Unlock()
		},
		OnDisconnect: func(identity string, last bool) {
			mu.Lock()
			disconnects = append(disconnects, event{identity, last})
			mu.Unlock()
		},
	}

	m, dial := testManager(t, newMemBroker(), hooks)

	first := dial("alice")
	require.True(t, waitForClientCount(m, "alice", 1))
	second := dial("alice")
	require.True(t, waitForClientCount(m, "alice", 2))

	second.Close()
	require.True(t, waitForClientCount(m, "alice", 1))
	first.Close()
	require.True(t, waitForClientCount(m, "alice", 0))

	// hooks run on their own goroutines
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(connects) == 2 && len(disconnects) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []event{{"alice", true}, {"alice", false}}, connects)
	assert.Equal(t, []event{{"alice", false}, {"alice", true}}, disconnects)
}

func TestManager_CallsAfterCloseReturnImmediately(t *testing.T) {
	b := newMemBroker()
	m := NewManager("broadcasts", b, clockwork.NewRealClock(), Hooks{})
	m.Close()

	// far more commands than the buffer holds; none may block now that
	// the actor is gone
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range cmdBufferSize * 2 {
			m.Disconnect(nil)
		}
		m.Broadcast(context.Background(), NewEnvelope("new_broadcast", nil))
		assert.Equal(t, 0, m.ClientCount("alice"))
		assert.Nil(t, m.Identities())
		assert.ErrorIs(t, m.Connect(nil, "alice"), ErrManagerClosed)
		m.Close()
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("command after Close blocked")
	}
}

// Three replicas of the same channel share one broker. A publish from
// any replica reaches clients of every replica exactly once.
func TestManager_CrossInstanceFanOut(t *testing.T) {
	b := newMemBroker()

	m1, dial1 := testManager(t, b, Hooks{})
	m2, dial2 := testManager(t, b, Hooks{})
	m3, _ := testManager(t, b, Hooks{})

	x := dial1("x")
	y := dial2("y")
	require.True(t, waitForClientCount(m1, "x", 1))
	require.True(t, waitForClientCount(m2, "y", 1))
	waitForSubscribers(t, b, 2)

	m3.Broadcast(context.Background(), NewEnvelope("new_broadcast", map[string]any{"message": "hello"}))

	for _, conn := range []*ws.Conn{x, y} {
		env := readEnvelope(t, conn)
		assert.Equal(t, "new_broadcast", env.Kind())
		assert.Equal(t, "hello", env["message"])
		assertNoMessage(t, conn)
	}
}

func TestManager_CrossInstanceTargetingSpansReplicas(t *testing.T) {
	b := newMemBroker()

	m1, dial1 := testManager(t, b, Hooks{})
	m2, dial2 := testManager(t, b, Hooks{})

	alice := dial1("alice")
	bob := dial2("bob")
	require.True(t, waitForClientCount(m1, "alice", 1))
	require.True(t, waitForClientCount(m2, "bob", 1))
	waitForSubscribers(t, b, 2)

	// alice is connected to a different replica than the sender knows,
	// but the targeted envelope rides the shared topic
	m2.SendToUser(context.Background(), "alice", NewEnvelope("forum_reply", map[string]any{"thread_id": "t1"}))

	env := readEnvelope(t, alice)
	assert.Equal(t, "forum_reply", env.Kind())
	assertNoMessage(t, bob)
}
