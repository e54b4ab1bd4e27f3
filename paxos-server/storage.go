package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/DimaPhil/dkvs"
)

// Snapshot is the state recovered from the durable log at startup.
// The server takes ownership of KVS; Storage never touches it again.
type Snapshot struct {
	KVS map[string]string

	// LastSlot is the highest slot applied before the restart, -1 if none
	LastSlot int

	// LastBallot is the counter of the most recent ballot record,
	// meaningful only when HasBallot is set
	LastBallot int
	HasBallot  bool

	// MaxOpID is the highest operation id seen in the log, -1 if none
	MaxOpID int64
}

// Storage is the append-only durable log of one node.
/*
	The log is plain text, one record per line:
	ballot <counter>_<owner>     - leader advanced its ballot
	slot <n> <operation>         - replica applied a write at slot n
	Every append is synced before it returns.
*/
type Storage struct {
	mx         sync.Mutex
	fd         *os.File
	path       string
	snapshot   Snapshot
	lastBallot int
}

func OpenStorage(dataDir string, id int) (*Storage, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create data directory: %w", err)
	}

	var path = filepath.Join(dataDir, fmt.Sprintf("dkvs_%d.log", id))

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("cannot read log %s: %w", path, err)
	}

	// a crash in the middle of an append leaves a line without its newline,
	// that record was never acknowledged so it is cut off
	if cut := strings.LastIndexByte(string(data), '\n') + 1; cut < len(data) {
		if err = os.Truncate(path, int64(cut)); err != nil {
			return nil, fmt.Errorf("cannot truncate torn record in %s: %w", path, err)
		}
		data = data[:cut]
	}

	snapshot, err := Recover(strings.Split(string(data), "\n"))
	if err != nil {
		return nil, fmt.Errorf("cannot recover %s: %w", path, err)
	}

	fd, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	return &Storage{
		fd:         fd,
		path:       path,
		snapshot:   snapshot,
		lastBallot: snapshot.LastBallot,
	}, nil
}

// Recover rebuilds the node state from log lines, walking them newest first:
// the latest ballot record wins, and for each key the latest set or delete wins.
func Recover(lines []string) (Snapshot, error) {
	var snapshot = Snapshot{
		KVS:      make(map[string]string),
		LastSlot: -1,
		MaxOpID:  -1,
	}

	var resolved = make(map[string]bool)

	for i := len(lines) - 1; i >= 0; i-- {
		var line = strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}

		var record, err = dkvs.ParseLogRecord(line)
		if err != nil {
			return Snapshot{}, fmt.Errorf("line %d: %w", i+1, err)
		}

		switch record.Kind {
		case dkvs.RecordBallot:
			if !snapshot.HasBallot {
				snapshot.LastBallot = record.Ballot.Counter
				snapshot.HasBallot = true
			}

		case dkvs.RecordSlot:
			if record.Slot > snapshot.LastSlot {
				snapshot.LastSlot = record.Slot
			}

			if record.Op.ID > snapshot.MaxOpID {
				snapshot.MaxOpID = record.Op.ID
			}

			var key = record.Op.Op.Key
			if resolved[key] {
				continue
			}
			resolved[key] = true

			if record.Op.Op.Kind == dkvs.OpSet {
				snapshot.KVS[key] = record.Op.Op.Value
			}
		}
	}

	return snapshot, nil
}

// Snapshot returns the recovered state; the map is a fresh copy on every call
func (s *Storage) Snapshot() Snapshot {
	var res = s.snapshot
	res.KVS = make(map[string]string, len(s.snapshot.KVS))
	for k, v := range s.snapshot.KVS {
		res.KVS[k] = v
	}
	return res
}

// LastBallot is the counter of the newest ballot written or recovered
func (s *Storage) LastBallot() int {
	s.mx.Lock()
	defer s.mx.Unlock()

	return s.lastBallot
}

func (s *Storage) AppendBallot(b dkvs.Ballot) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	if err := s.append(dkvs.BallotRecord(b)); err != nil {
		return err
	}

	if b.Counter > s.lastBallot {
		s.lastBallot = b.Counter
	}

	return nil
}

func (s *Storage) AppendSlot(slot int, op dkvs.OperationDescriptor) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	return s.append(dkvs.SlotRecord(slot, op))
}

func (s *Storage) append(r dkvs.LogRecord) error {
	if _, err := s.fd.WriteString(r.String() + "\n"); err != nil {
		return fmt.Errorf("cannot write log record %q: %w", r, err)
	}

	if err := s.fd.Sync(); err != nil {
		return fmt.Errorf("cannot sync log to disk: %w", err)
	}

	return nil
}

func (s *Storage) Path() string {
	return s.path
}

func (s *Storage) Close() error {
	s.mx.Lock()
	defer s.mx.Unlock()

	return s.fd.Close()
}
