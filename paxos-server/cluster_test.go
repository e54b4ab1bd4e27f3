package server

import (
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DimaPhil/dkvs"
)

// mockNetwork wires servers together in memory. A node marked down neither
// sends nor receives. Messages to a deaf node are dropped as if written to a
// connection it already closed.
type mockNetwork struct {
	mx      sync.Mutex
	servers map[int]*Server
	down    map[int]bool
	deaf    map[int]bool
	dropped map[int]int
	replies map[int]chan string

	ids     []int
	dataDir string
}

func newMockNetwork() *mockNetwork {
	return &mockNetwork{
		servers: make(map[int]*Server),
		down:    make(map[int]bool),
		deaf:    make(map[int]bool),
		dropped: make(map[int]int),
		replies: make(map[int]chan string),
	}
}

type mockTransport struct {
	net  *mockNetwork
	from int
}

func (t *mockTransport) SendToNode(to int, m dkvs.Message) {
	t.net.mx.Lock()
	var server, ok = t.net.servers[to]
	var blocked = t.net.down[t.from] || t.net.down[to]
	if !blocked && t.net.deaf[to] {
		t.net.dropped[to]++
		blocked = true
	}
	t.net.mx.Unlock()

	if ok && !blocked {
		server.Deliver(m)
	}
}

func (t *mockTransport) SendToClient(_ int, reply string) {
	t.net.mx.Lock()
	var replies = t.net.replies[t.from]
	t.net.mx.Unlock()

	replies <- reply
}

func (n *mockNetwork) start(t *testing.T, ids []int) {
	var dataDir = t.TempDir()

	n.ids = ids
	n.dataDir = dataDir

	for _, id := range ids {
		n.mx.Lock()
		n.replies[id] = make(chan string, 100)
		n.mx.Unlock()

		server := setupTestServer(t, id, ids, dataDir, &mockTransport{net: n, from: id})

		n.mx.Lock()
		n.servers[id] = server
		n.mx.Unlock()
	}

	for _, id := range ids {
		require.NoError(t, n.servers[id].Start())
	}

	t.Cleanup(func() {
		for _, server := range n.servers {
			server.Shutdown()
		}
	})
}

func (n *mockNetwork) kill(id int) {
	n.mx.Lock()
	n.down[id] = true
	var server = n.servers[id]
	n.mx.Unlock()

	server.Shutdown()
}

// restart brings a killed node back on its old log
func (n *mockNetwork) restart(t *testing.T, id int) {
	var server = setupTestServer(t, id, n.ids, n.dataDir, &mockTransport{net: n, from: id})

	n.mx.Lock()
	n.servers[id] = server
	n.down[id] = false
	n.mx.Unlock()

	require.NoError(t, server.Start())
}

func (n *mockNetwork) setDeaf(id int, deaf bool) {
	n.mx.Lock()
	n.deaf[id] = deaf
	n.mx.Unlock()
}

func (n *mockNetwork) droppedTo(id int) int {
	n.mx.Lock()
	defer n.mx.Unlock()

	return n.dropped[id]
}

// tick stands in for the fault monitors, every node gets an empty report each period
func (n *mockNetwork) tick(t *testing.T, period time.Duration) {
	var stop = make(chan struct{})
	t.Cleanup(func() { close(stop) })

	go func() {
		var ticker = time.NewTicker(period)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				n.mx.Lock()
				var servers = make([]*Server, 0, len(n.servers))
				for id, server := range n.servers {
					if !n.down[id] {
						servers = append(servers, server)
					}
				}
				n.mx.Unlock()

				for _, server := range servers {
					server.NotifyFaulty(nil)
				}
			}
		}
	}()
}

// do submits a request to node id and waits for its reply
func (n *mockNetwork) do(t *testing.T, id int, line string) string {
	t.Helper()

	op, err := dkvs.ParseRequest(line)
	require.NoError(t, err)

	n.servers[id].Submit(1, op)

	return awaitReply(t, n.replies[id])
}

func requireLeader(t *testing.T, server *Server, expected dkvs.Ballot, active bool) {
	t.Helper()

	require.Eventually(t, func() bool {
		var b, a = server.State()
		return b == expected && a == active
	}, 5*time.Second, 10*time.Millisecond, "node %d never reached %s active=%t", server.ID, expected, active)
}

func TestCluster_ReplicatesWrites(t *testing.T) {
	var net = newMockNetwork()
	net.start(t, []int{0, 1, 2})

	// the lowest id wins the first round
	requireLeader(t, net.servers[0], dkvs.Ballot{Counter: 0, Owner: 0}, true)

	require.Equal(t, dkvs.ReplyStored, net.do(t, 1, "set a 1"))
	require.Equal(t, dkvs.ReplyStored, net.do(t, 2, "set b 2"))
	require.Equal(t, "VALUE a 1", net.do(t, 1, "get a"))

	// reads are local, so another node sees the write once its replica caught up
	require.Eventually(t, func() bool {
		return net.servers[0].Snapshot()["b"] == "2"
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, "VALUE b 2", net.do(t, 0, "get b"))

	require.Equal(t, dkvs.ReplyDeleted, net.do(t, 0, "delete a"))
	require.Equal(t, dkvs.ReplyNotFound, net.do(t, 0, "get a"))

	var expected = map[string]string{"b": "2"}
	for _, server := range net.servers {
		require.Eventually(t, func() bool {
			return maps.Equal(expected, server.Snapshot())
		}, 5*time.Second, 10*time.Millisecond, "node %d diverged", server.ID)
	}
}

func TestCluster_ConcurrentWritesAgree(t *testing.T) {
	var net = newMockNetwork()
	net.start(t, []int{0, 1, 2})

	requireLeader(t, net.servers[0], dkvs.Ballot{Counter: 0, Owner: 0}, true)

	// every node writes the same key at once, all replicas must end up equal
	var wg sync.WaitGroup
	for _, id := range []int{0, 1, 2} {
		wg.Add(1)
		go func() {
			defer wg.Done()

			op, _ := dkvs.ParseRequest("set k v" + string(rune('0'+id)))
			net.servers[id].Submit(1, op)
		}()
	}
	wg.Wait()

	for _, id := range []int{0, 1, 2} {
		require.Equal(t, dkvs.ReplyStored, awaitReply(t, net.replies[id]))
	}

	require.Eventually(t, func() bool {
		var s0, s1, s2 = net.servers[0].Snapshot(), net.servers[1].Snapshot(), net.servers[2].Snapshot()
		return s0["k"] != "" && s0["k"] == s1["k"] && s1["k"] == s2["k"]
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCluster_LeaderFailover(t *testing.T) {
	var net = newMockNetwork()
	net.start(t, []int{0, 1, 2})

	requireLeader(t, net.servers[0], dkvs.Ballot{Counter: 0, Owner: 0}, true)

	// a write makes any leader still holding an old ballot find out it lost
	require.Equal(t, dkvs.ReplyStored, net.do(t, 1, "set a 1"))
	requireLeader(t, net.servers[1], dkvs.Ballot{Counter: 1, Owner: 1}, false)

	net.kill(0)

	// stands in for the fault monitor of the survivors
	var stop = make(chan struct{})
	defer close(stop)

	go func() {
		var ticker = time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				net.servers[1].NotifyFaulty([]int{0})
				net.servers[2].NotifyFaulty([]int{0})
			}
		}
	}()

	requireLeader(t, net.servers[1], dkvs.Ballot{Counter: 1, Owner: 1}, true)

	require.Equal(t, dkvs.ReplyStored, net.do(t, 2, "set b 2"))
	require.Equal(t, "VALUE b 2", net.do(t, 2, "get b"))

	require.Eventually(t, func() bool {
		return maps.Equal(map[string]string{"a": "1", "b": "2"}, net.servers[1].Snapshot())
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, "VALUE a 1", net.do(t, 1, "get a"))
}

func TestCluster_RestartedNodeWinsDespiteLostReplies(t *testing.T) {
	var net = newMockNetwork()
	net.start(t, []int{0, 1, 2})

	requireLeader(t, net.servers[0], dkvs.Ballot{Counter: 0, Owner: 0}, true)
	require.Equal(t, dkvs.ReplyStored, net.do(t, 0, "set a 1"))
	require.Eventually(t, func() bool {
		return net.servers[2].Snapshot()["a"] == "1"
	}, 5*time.Second, 10*time.Millisecond)

	net.kill(2)
	net.setDeaf(2, true)
	net.restart(t, 2)

	// the promises for the new ballot of node 2 go nowhere
	require.Eventually(t, func() bool {
		return net.droppedTo(2) >= 2
	}, 5*time.Second, 10*time.Millisecond)

	var ballot, active = net.servers[2].State()
	require.False(t, active)
	require.Equal(t, 2, ballot.Owner)

	net.setDeaf(2, false)
	net.tick(t, 20*time.Millisecond)

	// the unanswered scout is sent again and wins
	requireLeader(t, net.servers[2], ballot, true)

	require.Equal(t, dkvs.ReplyStored, net.do(t, 2, "set b 2"))
	require.Equal(t, "VALUE a 1", net.do(t, 2, "get a"))

	var expected = map[string]string{"a": "1", "b": "2"}
	for _, id := range []int{0, 1} {
		require.Eventually(t, func() bool {
			return maps.Equal(expected, net.servers[id].Snapshot())
		}, 5*time.Second, 10*time.Millisecond, "node %d diverged", id)
	}
}
