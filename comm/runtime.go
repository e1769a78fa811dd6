// Package comm provides the message layer of the AMR forest: a Runtime
// value constructed once per process and handed down explicitly, with
// rank-parallel execution, collective reductions, and the typed
// all-to-all exchanges used by balance, repartition and node creation.
//
// Ranks are goroutines; within a rank all forest code is sequential and
// only the collectives block. Message delivery uses the mailbox exchange
// discipline: post, deliver, synchronize, receive.
package comm

import (
	"fmt"
	"sync"

	"github.com/gjkennedy/tmr/octant"
	"github.com/notargets/gocfd/utils"
)

// NodeMsg carries one node's identity between ranks during node
// numbering. Node identifies the geometric point by block and
// coordinates; Index is the assigned global index (-1 during the claim
// phase); Info is the sender rank in claims and is left zero in index
// broadcasts.
type NodeMsg struct {
	Node  octant.Octant
	Index int64
	Info  int32
}

// QuadNodeMsg is the Quadrant counterpart of NodeMsg.
type QuadNodeMsg struct {
	Node  octant.Quadrant
	Index int64
	Info  int32
}

// Runtime owns the shared communication state for a fixed number of
// ranks. Construct one per process and pass it to every forest.
type Runtime struct {
	size    int
	barrier *cyclicBarrier

	scratch  []int
	scratch2 []int

	octMB      *utils.MailBox[octant.Octant]
	quadMB     *utils.MailBox[octant.Quadrant]
	nodeMB     *utils.MailBox[NodeMsg]
	quadNodeMB *utils.MailBox[QuadNodeMsg]
}

// NewRuntime creates the communication state for size ranks.
func NewRuntime(size int) (*Runtime, error) {
	if size < 1 {
		return nil, fmt.Errorf("comm: runtime size %d", size)
	}
	return &Runtime{
		size:       size,
		barrier:    newCyclicBarrier(size),
		scratch:    make([]int, size),
		scratch2:   make([]int, size),
		octMB:      utils.NewMailBox[octant.Octant](size),
		quadMB:     utils.NewMailBox[octant.Quadrant](size),
		nodeMB:     utils.NewMailBox[NodeMsg](size),
		quadNodeMB: utils.NewMailBox[QuadNodeMsg](size),
	}, nil
}

// Size returns the rank count.
func (rt *Runtime) Size() int {
	return rt.size
}

// Run launches one goroutine per rank and blocks until all return.
func (rt *Runtime) Run(fn func(*Rank)) {
	var wg sync.WaitGroup
	wg.Add(rt.size)
	for r := 0; r < rt.size; r++ {
		go func(id int) {
			defer wg.Done()
			fn(&Rank{rt: rt, id: id})
		}(r)
	}
	wg.Wait()
}

// Rank is the per-rank handle onto the runtime.
type Rank struct {
	rt *Runtime
	id int
}

// ID returns this rank's index in [0, Size).
func (rk *Rank) ID() int {
	return rk.id
}

// Size returns the rank count.
func (rk *Rank) Size() int {
	return rk.rt.size
}

// Runtime returns the shared runtime.
func (rk *Rank) Runtime() *Runtime {
	return rk.rt
}

// Barrier blocks until every rank has entered it.
func (rk *Rank) Barrier() {
	rk.rt.barrier.await()
}

// AllReduceInt returns the sum of v over all ranks.
func (rk *Rank) AllReduceInt(v int) int {
	rt := rk.rt
	rt.scratch[rk.id] = v
	rk.Barrier()
	s := 0
	for _, x := range rt.scratch {
		s += x
	}
	rk.Barrier()
	return s
}

// AllReduceMaxInt returns the maximum of v over all ranks.
func (rk *Rank) AllReduceMaxInt(v int) int {
	rt := rk.rt
	rt.scratch[rk.id] = v
	rk.Barrier()
	m := rt.scratch[0]
	for _, x := range rt.scratch[1:] {
		if x > m {
			m = x
		}
	}
	rk.Barrier()
	return m
}

// ExScanInt returns the exclusive prefix sum of v by rank order: rank 0
// receives 0.
func (rk *Rank) ExScanInt(v int) int {
	rt := rk.rt
	rt.scratch[rk.id] = v
	rk.Barrier()
	s := 0
	for r := 0; r < rk.id; r++ {
		s += rt.scratch[r]
	}
	rk.Barrier()
	return s
}

// AllGatherInt returns every rank's value, indexed by rank.
func (rk *Rank) AllGatherInt(v int) []int {
	rt := rk.rt
	rt.scratch2[rk.id] = v
	rk.Barrier()
	out := append([]int(nil), rt.scratch2...)
	rk.Barrier()
	return out
}

// exchange runs one symmetric all-to-all round over a mailbox: out[d] is
// delivered to rank d, and the flattened incoming messages are returned.
// Self-addressed messages short-circuit locally.
func exchange[T any](rk *Rank, mb *utils.MailBox[T], out [][]T) []T {
	for dest, msgs := range out {
		if dest == rk.id {
			continue
		}
		for _, m := range msgs {
			mb.PostMessage(rk.id, dest, m)
		}
	}
	mb.DeliverMyMessages(rk.id)
	rk.Barrier()
	mb.ReceiveMyMessages(rk.id)
	var in []T
	if rk.id < len(out) {
		in = append(in, out[rk.id]...)
	}
	in = append(in, mb.ReceiveMsgQs[rk.id].Cells()...)
	mb.ClearMyMessages(rk.id)
	rk.Barrier()
	return in
}

// ExchangeOctants runs an all-to-all octant exchange; out must have one
// slice per rank.
func (rk *Rank) ExchangeOctants(out [][]octant.Octant) []octant.Octant {
	return exchange(rk, rk.rt.octMB, out)
}

// ExchangeQuadrants runs an all-to-all quadrant exchange.
func (rk *Rank) ExchangeQuadrants(out [][]octant.Quadrant) []octant.Quadrant {
	return exchange(rk, rk.rt.quadMB, out)
}

// ExchangeNodeMsgs runs an all-to-all node-message exchange.
func (rk *Rank) ExchangeNodeMsgs(out [][]NodeMsg) []NodeMsg {
	return exchange(rk, rk.rt.nodeMB, out)
}

// ExchangeQuadNodeMsgs runs an all-to-all quad-node-message exchange.
func (rk *Rank) ExchangeQuadNodeMsgs(out [][]QuadNodeMsg) []QuadNodeMsg {
	return exchange(rk, rk.rt.quadNodeMB, out)
}

// Abortf prints a rank-stamped diagnostic and panics. Used for invariant
// violations that leave the forest unusable.
func (rk *Rank) Abortf(format string, args ...interface{}) {
	panic(fmt.Sprintf("[rank %d] %s", rk.id, fmt.Sprintf(format, args...)))
}

// cyclicBarrier is a reusable counting barrier.
type cyclicBarrier struct {
	mu    sync.Mutex
	cond  *sync.Cond
	size  int
	count int
	gen   int
}

func newCyclicBarrier(size int) *cyclicBarrier {
	b := &cyclicBarrier{size: size}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *cyclicBarrier) await() {
	b.mu.Lock()
	defer b.mu.Unlock()
	gen := b.gen
	b.count++
	if b.count == b.size {
		b.count = 0
		b.gen++
		b.cond.Broadcast()
		return
	}
	for gen == b.gen {
		b.cond.Wait()
	}
}
