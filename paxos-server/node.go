package server

import (
	"fmt"
	"net"
)

// Node is one running cluster member: the role loop plus its TCP network.
type Node struct {
	Server  *Server
	Network *Network
}

// StartNode listens on the configured address of id and starts the node
func StartNode(id int, cfg *Config, logger *Logger) (*Node, error) {
	var addr, ok = cfg.Address(id)
	if !ok {
		return nil, fmt.Errorf("node %d is not in the cluster config", id)
	}

	ln, err := Listen(addr)
	if err != nil {
		return nil, fmt.Errorf("cannot listen on %s: %w", addr, err)
	}

	return StartNodeOn(id, cfg, ln, logger)
}

// StartNodeOn starts the node on an already open listener. It owns ln from then on.
func StartNodeOn(id int, cfg *Config, ln net.Listener, logger *Logger) (*Node, error) {
	var network = NewNetwork(id, cfg, logger)

	srv, err := NewServer(id, cfg.GetPeerIDs(), cfg.Storage.DataDir, network, logger)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}

	if err = srv.Start(); err != nil {
		srv.Shutdown()
		_ = ln.Close()
		return nil, err
	}

	network.Serve(srv, ln)

	return &Node{Server: srv, Network: network}, nil
}

func (n *Node) Shutdown() {
	n.Network.Shutdown()
	n.Server.Shutdown()
}
