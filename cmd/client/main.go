package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	server "github.com/DimaPhil/dkvs/paxos-server"
)

// Reads requests from stdin line by line and prints every reply.
func main() {
	var (
		id         = flag.Int("id", 0, "ID of the node to connect to")
		configPath = flag.String("config", "dkvs.yaml", "Path to the cluster config")
		timeout    = flag.Duration("timeout", 0, "Per request timeout, 0 waits forever")
	)

	flag.Parse()

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	addr, ok := cfg.Address(*id)
	if !ok {
		log.Fatalf("Node %d is not in the cluster config", *id)
	}

	client, err := server.Dial(addr, *timeout)
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	fmt.Printf("Connected: %s\n", addr)

	var scanner = bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var start = time.Now()

		reply, err := client.Do(scanner.Text())
		if err != nil {
			log.Fatal(err)
		}

		fmt.Printf("%s (%s)\n", reply, time.Since(start).Round(time.Millisecond))
	}
}
