package server

import (
	"github.com/DimaPhil/dkvs"
	"github.com/DimaPhil/dkvs/state-machine"
)

type slotStore interface {
	AppendSlot(slot int, op dkvs.OperationDescriptor) error
}

// replica owns the key-value map. It turns client writes into proposals and
// applies decisions strictly in slot order.
type replica struct {
	id    int
	nodes []int

	sm  state_machine.StateMachine
	ids *dkvs.IDGenerator

	// slotIn is the next slot to propose into, slotOut the next one to apply.
	// slotOut <= slotIn always holds.
	slotIn  int
	slotOut int

	// requests are writes waiting for a slot, in arrival order
	requests []dkvs.OperationDescriptor
	queued   map[dkvs.OperationDescriptor]struct{}

	proposals map[int]dkvs.OperationDescriptor
	decisions map[int]dkvs.OperationDescriptor
	awaiting  map[dkvs.OperationDescriptor]int
	performed map[dkvs.OperationDescriptor]struct{}

	storage slotStore
	out     outbox
	log     *Logger
}

func newReplica(id int, nodes []int, snapshot Snapshot, storage slotStore, out outbox, logger *Logger) *replica {
	var ids = dkvs.NewIDGenerator(id, len(nodes))
	ids.ResumeAfter(snapshot.MaxOpID)

	return &replica{
		id:        id,
		nodes:     nodes,
		sm:        state_machine.New(snapshot.KVS),
		ids:       ids,
		slotIn:    snapshot.LastSlot + 1,
		slotOut:   snapshot.LastSlot + 1,
		queued:    make(map[dkvs.OperationDescriptor]struct{}),
		proposals: make(map[int]dkvs.OperationDescriptor),
		decisions: make(map[int]dkvs.OperationDescriptor),
		awaiting:  make(map[dkvs.OperationDescriptor]int),
		performed: make(map[dkvs.OperationDescriptor]struct{}),
		storage:   storage,
		out:       out,
		log:       logger,
	}
}

func (r *replica) onRequest(clientID int, op dkvs.Operation) {
	if !op.IsWrite() {
		// reads are served locally and never reach the log
		var reply, err = r.sm.Apply(op)
		if err != nil {
			reply = dkvs.ErrorReply(err)
		}
		r.out.sendToClient(clientID, reply)
		return
	}

	var desc = dkvs.OperationDescriptor{ID: r.ids.Next(), ClientID: clientID, Op: op}
	r.awaiting[desc] = clientID
	r.enqueue(desc)
	r.propose()
}

func (r *replica) onDecision(m dkvs.Message) error {
	if m.Slot < r.slotOut {
		// already applied, a duplicate delivery
		return nil
	}

	r.decisions[m.Slot] = m.Op

	for {
		var op, ok = r.decisions[r.slotOut]
		if !ok {
			break
		}

		if mine, ok := r.proposals[r.slotOut]; ok {
			delete(r.proposals, r.slotOut)
			if mine != op {
				// lost the slot to another operation, try again in a later one
				r.enqueue(mine)
			}
		}

		if err := r.perform(r.slotOut, op); err != nil {
			return err
		}

		delete(r.decisions, r.slotOut)
		r.slotOut++
	}

	if r.slotIn < r.slotOut {
		r.slotIn = r.slotOut
	}

	r.propose()

	return nil
}

func (r *replica) propose() {
	for len(r.requests) > 0 {
		if _, decided := r.decisions[r.slotIn]; !decided {
			var op = r.dequeue()
			r.proposals[r.slotIn] = op

			for _, n := range r.nodes {
				r.out.sendToNode(n, dkvs.ProposeMessage(r.id, r.slotIn, op))
			}
		}

		r.slotIn++
	}
}

func (r *replica) perform(slot int, op dkvs.OperationDescriptor) error {
	if _, done := r.performed[op]; done {
		return nil
	}

	// reads never reach the log, a decided one only uses up its slot
	if !op.Op.IsWrite() {
		r.log.Errorf("replica skips read %s decided at slot %d", op, slot)
		r.performed[op] = struct{}{}
		return nil
	}

	var reply, err = r.sm.Apply(op.Op)
	if err != nil {
		r.log.Errorf("replica cannot apply %s at slot %d: %v", op, slot, err)
		reply = dkvs.ErrorReply(err)
	}

	r.performed[op] = struct{}{}

	if err = r.storage.AppendSlot(slot, op); err != nil {
		return err
	}

	r.log.Paxosf("replica performed slot %d: %s", slot, op)

	if clientID, ok := r.awaiting[op]; ok {
		delete(r.awaiting, op)
		r.out.sendToClient(clientID, reply)
	}

	return nil
}

func (r *replica) enqueue(op dkvs.OperationDescriptor) {
	if _, ok := r.queued[op]; ok {
		return
	}

	r.queued[op] = struct{}{}
	r.requests = append(r.requests, op)
}

func (r *replica) dequeue() dkvs.OperationDescriptor {
	var op = r.requests[0]
	r.requests = r.requests[1:]
	delete(r.queued, op)

	return op
}
