package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DimaPhil/dkvs"
)

// Inbox is the side of the server the network feeds
type Inbox interface {
	Deliver(m dkvs.Message)
	Submit(clientID int, op dkvs.Operation)
	// NotifyFaulty is called on every fault monitor tick, ids may be empty
	NotifyFaulty(ids []int)
}

// peerLink holds everything about one other node: the outbound queue drained
// by speakToNode, the current connections, and liveness flags.
type peerLink struct {
	id      int
	address string
	out     *queue[dkvs.Message]

	mx      sync.Mutex
	inConn  net.Conn
	outConn net.Conn

	// ready is set while the outbound connection is up
	ready atomic.Bool
	// inputAlive and outputAlive record traffic since the last timer tick
	inputAlive  atomic.Bool
	outputAlive atomic.Bool
}

type clientLink struct {
	id   int
	conn net.Conn
	out  *queue[string]
	done chan struct{}
}

// Network is the TCP transport of one node. Nodes and clients share one listening port:
// a connection that opens with "node <id>" belongs to a peer, anything else to a client.
type Network struct {
	id      int
	timeout time.Duration
	log     *Logger

	inbox    Inbox
	listener net.Listener

	peers map[int]*peerLink

	clientsMx    sync.Mutex
	clients      map[int]*clientLink
	lastClientID int

	// conns are all accepted connections, closed on shutdown
	connsMx sync.Mutex
	conns   map[net.Conn]struct{}

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

func NewNetwork(id int, cfg *Config, logger *Logger) *Network {
	var peers = make(map[int]*peerLink)
	for peerID, address := range cfg.GetPeers() {
		if peerID == id {
			continue
		}

		peers[peerID] = &peerLink{
			id:      peerID,
			address: address,
			out:     newQueue[dkvs.Message](),
		}
	}

	return &Network{
		id:         id,
		timeout:    cfg.Timeout(),
		log:        logger,
		peers:      peers,
		clients:    make(map[int]*clientLink),
		conns:      make(map[net.Conn]struct{}),
		shutdownCh: make(chan struct{}),
	}
}

// Listen opens the listening socket on the port of addr, on all interfaces
func Listen(addr string) (net.Listener, error) {
	var _, port, err = net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}

	return net.Listen("tcp", ":"+port)
}

// Serve starts accepting connections on ln and running the peer workers and timers.
func (n *Network) Serve(inbox Inbox, ln net.Listener) {
	n.inbox = inbox
	n.listener = ln

	n.wg.Add(1)
	go n.acceptLoop()

	for _, peer := range n.peers {
		n.wg.Add(1)
		go n.speakToNode(peer)
	}

	n.wg.Add(2)
	go n.pingLoop()
	go n.monitorLoop()

	n.log.Connectionf("listening on %s", ln.Addr())
}

func (n *Network) Shutdown() {
	n.shutdownOnce.Do(func() {
		close(n.shutdownCh)

		if n.listener != nil {
			_ = n.listener.Close()
		}

		for _, peer := range n.peers {
			peer.mx.Lock()
			closeConn(peer.inConn)
			closeConn(peer.outConn)
			peer.mx.Unlock()
		}

		n.clientsMx.Lock()
		for _, c := range n.clients {
			n.dropClientLocked(c)
		}
		n.clientsMx.Unlock()

		n.connsMx.Lock()
		for conn := range n.conns {
			closeConn(conn)
		}
		n.connsMx.Unlock()

		n.wg.Wait()
	})
}

func (n *Network) SendToNode(to int, m dkvs.Message) {
	var peer, ok = n.peers[to]
	if !ok {
		n.log.Errorf("no such node %d, dropping %s", to, m)
		return
	}

	peer.out.PushBack(m)
}

func (n *Network) SendToClient(clientID int, reply string) {
	n.clientsMx.Lock()
	var c, ok = n.clients[clientID]
	n.clientsMx.Unlock()

	if !ok {
		n.log.Connectionf("client %d is gone, dropping reply %q", clientID, reply)
		return
	}

	c.out.PushBack(reply)
}

func (n *Network) isShutdown() bool {
	select {
	case <-n.shutdownCh:
		return true
	default:
		return false
	}
}

// sleep waits for d and reports false if the network was shut down meanwhile
func (n *Network) sleep(d time.Duration) bool {
	var timer = time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-n.shutdownCh:
		return false
	case <-timer.C:
		return true
	}
}

func (n *Network) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept()
		if err != nil {
			if n.isShutdown() {
				return
			}

			n.log.Errorf("accept failed: %v", err)
			if !n.sleep(n.timeout) {
				return
			}
			continue
		}

		n.wg.Add(1)
		go n.handleConn(conn)
	}
}

func (n *Network) handleConn(conn net.Conn) {
	defer n.wg.Done()

	if !n.trackConn(conn) {
		closeConn(conn)
		return
	}
	defer n.untrackConn(conn)

	var reader = bufio.NewReader(conn)

	line, err := reader.ReadString('\n')
	if err != nil {
		n.log.Connectionf("connection from %s closed before handshake: %v", conn.RemoteAddr(), err)
		closeConn(conn)
		return
	}

	if strings.HasPrefix(line, dkvs.MsgNode.String()+" ") {
		var m, err = dkvs.ParseMessage(line)
		if err != nil {
			n.log.Errorf("bad handshake %q from %s: %v", strings.TrimSpace(line), conn.RemoteAddr(), err)
			closeConn(conn)
			return
		}

		var peer, ok = n.peers[m.From]
		if !ok {
			n.log.Errorf("handshake from unknown node %d", m.From)
			closeConn(conn)
			return
		}

		n.listenToNode(peer, conn, reader)
		return
	}

	var c = n.addClient(conn)
	n.handleClientLine(c, line)
	n.listenToClient(c, reader)
}

func (n *Network) listenToNode(peer *peerLink, conn net.Conn, reader *bufio.Reader) {
	peer.mx.Lock()
	closeConn(peer.inConn)
	peer.inConn = conn
	peer.mx.Unlock()

	peer.inputAlive.Store(true)
	n.log.Connectionf("node %d connected", peer.id)

	defer func() {
		peer.mx.Lock()
		if peer.inConn == conn {
			peer.inConn = nil
		}
		peer.mx.Unlock()
		closeConn(conn)
	}()

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) && !n.isShutdown() {
				n.log.Connectionf("lost input from node %d: %v", peer.id, err)
			}
			return
		}

		peer.inputAlive.Store(true)

		m, err := dkvs.ParseMessage(line)
		if errors.Is(err, dkvs.ErrUnknownMessage) {
			n.log.Errorf("node %d: %v", peer.id, err)
			continue
		}

		if err != nil {
			// nothing was applied, the peer will reconnect and resend
			n.log.Errorf("malformed message from node %d, closing connection: %v", peer.id, err)
			return
		}

		switch m.Kind {
		case dkvs.MsgPing:
			peer.out.PushBack(dkvs.PongMessage())

		case dkvs.MsgPong:

		case dkvs.MsgNode:
			n.log.Errorf("repeated handshake from node %d", peer.id)

		default:
			n.inbox.Deliver(m)
		}
	}
}

func isHeartbeat(m dkvs.Message) bool {
	return m.Kind == dkvs.MsgPing || m.Kind == dkvs.MsgPong
}

// speakToNode owns the outbound connection to peer: it dials, sends the handshake
// and drains the peer queue, reconnecting after a fixed backoff on failure.
func (n *Network) speakToNode(peer *peerLink) {
	defer n.wg.Done()

	var dialer = net.Dialer{Timeout: n.timeout}

	for !n.isShutdown() {
		// heartbeats queued for a dead connection mean nothing to a new one
		peer.out.RemoveIf(isHeartbeat)

		conn, err := dialer.Dial("tcp", peer.address)
		if err != nil {
			n.log.Connectionf("cannot connect to node %d at %s: %v", peer.id, peer.address, err)
			if !n.sleep(n.timeout) {
				return
			}
			continue
		}

		peer.mx.Lock()
		peer.outConn = conn
		peer.mx.Unlock()

		// Shutdown may have run between the dial and the store above
		if n.isShutdown() {
			closeConn(conn)
		}

		n.log.Connectionf("connected to node %d", peer.id)

		var hungUp = make(chan struct{})
		n.wg.Add(1)
		go n.watchHangUp(conn, hungUp)

		n.drainToNode(peer, conn, hungUp)

		// checked before our own close below, which would also end the watcher
		var peerHungUp bool
		select {
		case <-hungUp:
			peerHungUp = !n.isShutdown()
		default:
		}

		peer.ready.Store(false)
		peer.mx.Lock()
		if peer.outConn == conn {
			peer.outConn = nil
		}
		peer.mx.Unlock()
		closeConn(conn)

		// a peer that keeps hanging up right away must not be redialed in a loop
		if peerHungUp && !n.sleep(n.timeout/4) {
			return
		}
	}
}

// watchHangUp closes conn and hungUp once either side closes conn. The peer
// never writes on our outbound connection, so a read only returns when it
// hangs up, e.g. when it restarts. Closing conn makes later writes fail, and
// a failed write is queued again for the next connection.
func (n *Network) watchHangUp(conn net.Conn, hungUp chan<- struct{}) {
	defer n.wg.Done()
	defer close(hungUp)

	_, _ = io.Copy(io.Discard, conn)
	closeConn(conn)
}

func (n *Network) drainToNode(peer *peerLink, conn net.Conn, hungUp <-chan struct{}) {
	if err := n.writeLine(conn, dkvs.NodeMessage(n.id).String()); err != nil {
		n.log.Connectionf("handshake to node %d failed: %v", peer.id, err)
		return
	}

	peer.ready.Store(true)

	for {
		var m, ok = peer.out.Pop(hungUp)
		if !ok {
			if !n.isShutdown() {
				n.log.Connectionf("node %d hung up, reconnecting", peer.id)
			}
			return
		}

		if err := n.writeLine(conn, m.String()); err != nil {
			n.log.Connectionf("lost output to node %d: %v", peer.id, err)
			peer.out.PushFront(m)
			return
		}

		peer.outputAlive.Store(true)
	}
}

func (n *Network) writeLine(conn net.Conn, line string) error {
	_ = conn.SetWriteDeadline(time.Now().Add(4 * n.timeout))
	_, err := io.WriteString(conn, line+"\n")
	return err
}

// pingLoop keeps idle links busy so the other side's monitor sees them alive.
func (n *Network) pingLoop() {
	defer n.wg.Done()

	var ticker = time.NewTicker(n.timeout)
	defer ticker.Stop()

	for {
		select {
		case <-n.shutdownCh:
			return

		case <-ticker.C:
			for _, peer := range n.peers {
				if !peer.ready.Load() {
					continue
				}

				if !peer.outputAlive.Swap(false) {
					peer.out.PushBack(dkvs.PingMessage(n.id))
				}
			}
		}
	}
}

// monitorLoop reports, once per period, the peers that sent nothing during it.
func (n *Network) monitorLoop() {
	defer n.wg.Done()

	var ticker = time.NewTicker(4 * n.timeout)
	defer ticker.Stop()

	for {
		select {
		case <-n.shutdownCh:
			return

		case <-ticker.C:
			var faulty []int
			for _, peer := range n.peers {
				if peer.inputAlive.Swap(false) {
					continue
				}

				peer.mx.Lock()
				if peer.inConn != nil {
					n.log.Connectionf("node %d is silent, closing its connection", peer.id)
					closeConn(peer.inConn)
					peer.inConn = nil
				}
				peer.mx.Unlock()

				faulty = append(faulty, peer.id)
			}

			// sent on every tick, the leader retries unanswered rounds on it
			n.inbox.NotifyFaulty(faulty)
		}
	}
}

func (n *Network) addClient(conn net.Conn) *clientLink {
	n.clientsMx.Lock()
	defer n.clientsMx.Unlock()

	n.lastClientID++

	var c = &clientLink{
		id:   n.lastClientID,
		conn: conn,
		out:  newQueue[string](),
		done: make(chan struct{}),
	}
	n.clients[c.id] = c

	n.wg.Add(1)
	go n.speakToClient(c)

	n.log.Connectionf("client %d connected from %s", c.id, conn.RemoteAddr())

	return c
}

func (n *Network) dropClient(c *clientLink) {
	n.clientsMx.Lock()
	defer n.clientsMx.Unlock()

	n.dropClientLocked(c)
}

func (n *Network) dropClientLocked(c *clientLink) {
	if _, ok := n.clients[c.id]; !ok {
		return
	}

	delete(n.clients, c.id)
	close(c.done)
	closeConn(c.conn)
}

func (n *Network) handleClientLine(c *clientLink, line string) {
	var op, err = dkvs.ParseRequest(line)
	if err != nil {
		c.out.PushBack(dkvs.ErrorReply(err))
		return
	}

	n.inbox.Submit(c.id, op)
}

func (n *Network) listenToClient(c *clientLink, reader *bufio.Reader) {
	defer n.dropClient(c)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			n.log.Connectionf("client %d disconnected", c.id)
			return
		}

		n.handleClientLine(c, line)
	}
}

func (n *Network) speakToClient(c *clientLink) {
	defer n.wg.Done()

	for {
		var reply, ok = c.out.Pop(c.done)
		if !ok {
			return
		}

		if err := n.writeLine(c.conn, reply); err != nil {
			n.log.Connectionf("cannot reply to client %d: %v", c.id, err)
			n.dropClient(c)
			return
		}
	}
}

func (n *Network) trackConn(conn net.Conn) bool {
	n.connsMx.Lock()
	defer n.connsMx.Unlock()

	if n.isShutdown() {
		return false
	}

	n.conns[conn] = struct{}{}
	return true
}

func (n *Network) untrackConn(conn net.Conn) {
	n.connsMx.Lock()
	delete(n.conns, conn)
	n.connsMx.Unlock()
}

func closeConn(conn net.Conn) {
	if conn != nil {
		_ = conn.Close()
	}
}
