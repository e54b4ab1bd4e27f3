package server

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/DimaPhil/dkvs"
)

// Transport carries messages the roles send to other nodes and replies to
// clients. Both calls must return without waiting on the network.
type Transport interface {
	SendToNode(to int, m dkvs.Message)
	SendToClient(clientID int, reply string)
}

// outbox is what the roles see of the server
type outbox interface {
	sendToNode(to int, m dkvs.Message)
	sendToClient(clientID int, reply string)
}

type envelopeKind uint8

const (
	envPeer envelopeKind = iota
	envClient
	envFault
	envCall
)

// envelope is one item of the server inbox
type envelope struct {
	kind     envelopeKind
	msg      dkvs.Message   // envPeer
	clientID int            // envClient
	op       dkvs.Operation // envClient
	faulty   []int          // envFault
	call     func()         // envCall
}

type Server struct {
	ID    int
	peers []int // all node ID's in cluster, self included

	storage *Storage

	// role state, touched only by the run goroutine
	acceptor *acceptor
	leader   *leader
	replica  *replica

	// inbox is drained by a single consumer in arrival order
	inbox     *queue[envelope]
	transport Transport

	log   *Logger
	fatal func(err error)

	// signal to stop all goroutines
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

func NewServer(id int, peers []int, dataDir string, transport Transport, logger *Logger) (*Server, error) {
	peers = slices.Clone(peers)
	sort.Ints(peers)

	if !slices.Contains(peers, id) {
		return nil, fmt.Errorf("node %d is not a member of the cluster %v", id, peers)
	}

	storage, err := OpenStorage(dataDir, id)
	if err != nil {
		return nil, err
	}

	var snapshot = storage.Snapshot()

	// never reuse a ballot this node may have issued before a restart
	var initial = dkvs.Ballot{Counter: 0, Owner: id}
	if snapshot.HasBallot {
		initial.Counter = snapshot.LastBallot + 1
	}

	server := &Server{
		ID:         id,
		peers:      peers,
		storage:    storage,
		inbox:      newQueue[envelope](),
		transport:  transport,
		log:        logger,
		shutdownCh: make(chan struct{}),
	}

	server.fatal = func(err error) {
		server.log.Fatalf("cannot continue without durable log: %v", err)
	}

	server.acceptor = newAcceptor(id, dkvs.Ballot{Counter: snapshot.LastBallot - 1, Owner: peers[0]}, server, logger)
	server.leader = newLeader(id, peers, initial, storage, server, logger)
	server.replica = newReplica(id, peers, snapshot, storage, server, logger)

	logger.Connectionf("recovered %d keys, last slot %d, last ballot %d",
		len(snapshot.KVS), snapshot.LastSlot, snapshot.LastBallot)

	return server, nil
}

// Start launches the first scout and the role loop
func (s *Server) Start() error {
	if err := s.leader.start(); err != nil {
		return fmt.Errorf("cannot start leader: %w", err)
	}

	s.wg.Add(1)
	go s.run()

	s.log.Connectionf("started")

	return nil
}

func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
		s.wg.Wait()

		if err := s.storage.Close(); err != nil {
			s.log.Errorf("cannot close log: %v", err)
		}

		s.log.Connectionf("stopped")
	})
}

// Deliver hands a message from another node to the role loop
func (s *Server) Deliver(m dkvs.Message) {
	s.inbox.PushBack(envelope{kind: envPeer, msg: m})
}

// Submit hands a client request to the role loop
func (s *Server) Submit(clientID int, op dkvs.Operation) {
	s.inbox.PushBack(envelope{kind: envClient, clientID: clientID, op: op})
}

// NotifyFaulty reports peers that went silent. It is also the leader's clock:
// an empty report still retries rounds waiting for replies.
func (s *Server) NotifyFaulty(ids []int) {
	s.inbox.PushBack(envelope{kind: envFault, faulty: ids})
}

// State returns the leader's ballot and whether it is active.
// It waits for the role loop, so it must not be called from it.
func (s *Server) State() (dkvs.Ballot, bool) {
	var (
		ballot dkvs.Ballot
		active bool
	)

	s.call(func() {
		ballot, active = s.leader.ballot, s.leader.active
	})

	return ballot, active
}

// Snapshot returns a copy of the current key-value map
func (s *Server) Snapshot() map[string]string {
	return s.replica.sm.Snapshot()
}

// call runs fn on the role loop and waits for it. It returns false when the
// server stopped first.
func (s *Server) call(fn func()) bool {
	var done = make(chan struct{})

	s.inbox.PushBack(envelope{kind: envCall, call: func() {
		fn()
		close(done)
	}})

	select {
	case <-done:
		return true
	case <-s.shutdownCh:
		return false
	}
}

func (s *Server) run() {
	defer s.wg.Done()

	for {
		var env, ok = s.inbox.Pop(s.shutdownCh)
		if !ok {
			return
		}

		if err := s.handle(env); err != nil {
			s.fatal(err)
			return
		}
	}
}

func (s *Server) handle(env envelope) error {
	switch env.kind {
	case envPeer:
		return s.dispatch(env.msg)

	case envClient:
		s.log.MessageInf("client %d: %s", env.clientID, env.op)
		s.replica.onRequest(env.clientID, env.op)

	case envFault:
		if len(env.faulty) > 0 {
			s.log.Connectionf("faulty nodes: %v", env.faulty)
		}
		s.leader.onFault(env.faulty)

	case envCall:
		env.call()
	}

	return nil
}

func (s *Server) dispatch(m dkvs.Message) error {
	s.log.MessageInf("%s", m)

	switch m.Kind {
	case dkvs.MsgPropose:
		s.leader.onPropose(m)

	case dkvs.MsgP1a:
		s.acceptor.onPrepare(m)

	case dkvs.MsgP1b:
		return s.leader.onPromise(m)

	case dkvs.MsgP2a:
		s.acceptor.onAccept(m)

	case dkvs.MsgP2b:
		return s.leader.onAccepted(m)

	case dkvs.MsgDecision:
		return s.replica.onDecision(m)

	case dkvs.MsgNode, dkvs.MsgPing, dkvs.MsgPong:
		// connection level, answered by the network layer
		s.log.Errorf("unexpected %s message in inbox", m.Kind)

	default:
		s.log.Errorf("unknown message type: %s", m.Kind)
	}

	return nil
}

func (s *Server) sendToNode(to int, m dkvs.Message) {
	s.log.MessageOutf("to %d: %s", to, m)

	if to == s.ID {
		s.Deliver(m)
		return
	}

	s.transport.SendToNode(to, m)
}

func (s *Server) sendToClient(clientID int, reply string) {
	s.log.MessageOutf("to client %d: %s", clientID, reply)
	s.transport.SendToClient(clientID, reply)
}
