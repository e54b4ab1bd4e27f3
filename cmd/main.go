package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	server "github.com/DimaPhil/dkvs/paxos-server"
)

func main() {
	var (
		id         = flag.Int("id", -1, "ID of this node")
		configPath = flag.String("config", "dkvs.yaml", "Path to the cluster config")
		dataDir    = flag.String("data", "", "Data directory for the durable log, overrides storage.data_dir")
	)

	flag.Parse()

	if *id < 0 {
		log.Fatal("Node ID must be provided")
	}

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *dataDir != "" {
		cfg.Storage.DataDir = *dataDir
	}

	logger, err := server.NewLogger(*id, os.Stderr, cfg.Log.Categories)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	node, err := server.StartNode(*id, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to start node %d: %v", *id, err)
	}

	log.Printf("Node %d started, cluster of %d, timeout %s", *id, len(cfg.Cluster.Nodes), cfg.Timeout())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down...")
	node.Shutdown()
}
