package state_machine

import (
	"fmt"
	"sync"

	"github.com/DimaPhil/dkvs"
)

type StateMachine interface {
	// Apply executes op and returns the reply for the client that issued it
	Apply(op dkvs.Operation) (string, error)
	Get(key string) (string, bool)
	Snapshot() map[string]string
}

// stateMachine is a simple in-memory key-value state machine.
// It is driven by one goroutine; the lock only guards readers such as Snapshot.
type stateMachine struct {
	mx sync.RWMutex
	db map[string]string
}

// New returns a state machine holding a private copy of initial
func New(initial map[string]string) StateMachine {
	var db = make(map[string]string, len(initial))
	for k, v := range initial {
		db[k] = v
	}

	return &stateMachine{db: db}
}

func (sm *stateMachine) Apply(op dkvs.Operation) (string, error) {
	switch op.Kind {
	case dkvs.OpGet:
		var value, ok = sm.Get(op.Key)
		if !ok {
			return dkvs.ReplyNotFound, nil
		}

		return dkvs.ValueReply(op.Key, value), nil

	case dkvs.OpSet:
		sm.mx.Lock()
		sm.db[op.Key] = op.Value
		sm.mx.Unlock()

		return dkvs.ReplyStored, nil

	case dkvs.OpDelete:
		sm.mx.Lock()
		defer sm.mx.Unlock()

		if _, ok := sm.db[op.Key]; !ok {
			return dkvs.ReplyNotFound, nil
		}

		delete(sm.db, op.Key)

		return dkvs.ReplyDeleted, nil
	}

	return "", fmt.Errorf("unsupported operation kind: %d", op.Kind)
}

func (sm *stateMachine) Get(key string) (string, bool) {
	sm.mx.RLock()
	defer sm.mx.RUnlock()

	var value, ok = sm.db[key]
	return value, ok
}

func (sm *stateMachine) Snapshot() map[string]string {
	sm.mx.RLock()
	defer sm.mx.RUnlock()

	var res = make(map[string]string, len(sm.db))
	for k, v := range sm.db {
		res[k] = v
	}

	return res
}
