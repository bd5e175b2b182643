// Package comm provides an in-process communication substrate with MPI-style
// semantics: a world of rank endpoints, communicator splitting, and blocking
// collective and point-to-point operations.
//
// Workers are goroutines sharing one address space, but the substrate keeps
// the usual SPMD discipline: every buffer handed back to a caller is a fresh
// copy owned by that caller, and cross-worker dependencies are expressed only
// through the blocking operations below.
package comm

import (
	"fmt"
	"sort"
	"sync"
)

// Comm is one rank's endpoint onto a communication group. All operations are
// blocking and synchronous: the caller does not proceed until its contribution
// has been delivered and, for collectives, every group member has arrived.
type Comm struct {
	rank int
	st   *state
}

// state is the shared side of a group, referenced by every member's Comm.
type state struct {
	size int
	coll *collective
	// mail[from][to] carries point-to-point messages on unbuffered channels,
	// so a send rendezvouses with its matching receive.
	mail [][]chan message
}

type message struct {
	tag  string
	data []float32
}

// collective serialises group collectives. Members of a group reach their
// collectives in identical program order, so arrival order alone matches
// contributions to operations; the generation counter makes the barrier
// reusable.
type collective struct {
	mu      sync.Mutex
	cond    *sync.Cond
	gen     uint64
	arrived int
	parts   []any
	out     any
}

func newState(size int) *state {
	st := &state{
		size: size,
		coll: &collective{parts: make([]any, size)},
	}
	st.coll.cond = sync.NewCond(&st.coll.mu)
	st.mail = make([][]chan message, size)
	for from := range st.mail {
		st.mail[from] = make([]chan message, size)
		for to := range st.mail[from] {
			st.mail[from][to] = make(chan message)
		}
	}
	return st
}

// NewWorld creates size connected rank endpoints over a fresh transport.
// Endpoint i is the Comm for world rank i.
func NewWorld(size int) []*Comm {
	if size <= 0 {
		panic("world size must be positive")
	}
	st := newState(size)
	world := make([]*Comm, size)
	for i := range world {
		world[i] = &Comm{rank: i, st: st}
	}
	return world
}

// Rank returns this endpoint's rank within the group.
func (c *Comm) Rank() int { return c.rank }

// Size returns the number of members in the group.
func (c *Comm) Size() int { return c.st.size }

// exchange runs one collective: every member contributes part, the last
// arrival resolves all contributions into a single result, and every member
// returns that result. The mutex ordering guarantees a straggler from
// generation g reads the generation-g result before generation g+1 can
// complete.
func (c *Comm) exchange(part any, resolve func(parts []any) any) any {
	s := c.st.coll
	s.mu.Lock()
	defer s.mu.Unlock()
	gen := s.gen
	s.parts[c.rank] = part
	s.arrived++
	if s.arrived == c.st.size {
		s.out = resolve(s.parts)
		for i := range s.parts {
			s.parts[i] = nil
		}
		s.arrived = 0
		s.gen++
		s.cond.Broadcast()
		return s.out
	}
	for s.gen == gen {
		s.cond.Wait()
	}
	return s.out
}

// Barrier blocks until every group member has entered it.
func (c *Comm) Barrier() {
	c.exchange(nil, func([]any) any { return nil })
}

// AllGather concatenates every member's local buffer in group-rank order and
// returns the assembled result to each member. All members must contribute
// buffers of equal length.
func (c *Comm) AllGather(local []float32) []float32 {
	out := c.exchange(local, func(parts []any) any {
		n := 0
		for _, p := range parts {
			n += len(p.([]float32))
		}
		full := make([]float32, 0, n)
		for _, p := range parts {
			full = append(full, p.([]float32)...)
		}
		return full
	}).([]float32)
	dst := make([]float32, len(out))
	copy(dst, out)
	return dst
}

// AllReduceMean returns the elementwise mean of every member's buffer.
func (c *Comm) AllReduceMean(local []float32) []float32 {
	out := c.exchange(local, func(parts []any) any {
		first := parts[0].([]float32)
		sum := make([]float64, len(first))
		for _, p := range parts {
			for i, v := range p.([]float32) {
				sum[i] += float64(v)
			}
		}
		mean := make([]float32, len(sum))
		inv := 1 / float64(len(parts))
		for i, v := range sum {
			mean[i] = float32(v * inv)
		}
		return mean
	}).([]float32)
	dst := make([]float32, len(out))
	copy(dst, out)
	return dst
}

// Bcast distributes root's buffer to every group member. Non-root members may
// pass nil.
func (c *Comm) Bcast(root int, local []float32) []float32 {
	if root < 0 || root >= c.st.size {
		panic(fmt.Sprintf("broadcast root %d out of range for group of %d", root, c.st.size))
	}
	out := c.exchange(local, func(parts []any) any {
		return parts[root]
	}).([]float32)
	dst := make([]float32, len(out))
	copy(dst, out)
	return dst
}

// Send delivers data to group rank to, blocking until the matching Recv has
// accepted it. The tag travels with the payload so the receiver can validate
// what it was handed.
func (c *Comm) Send(to int, tag string, data []float32) error {
	if to < 0 || to >= c.st.size {
		return fmt.Errorf("send: peer %d out of range for group of %d", to, c.st.size)
	}
	if to == c.rank {
		return fmt.Errorf("send: rank %d cannot send to itself", c.rank)
	}
	buf := make([]float32, len(data))
	copy(buf, data)
	c.st.mail[c.rank][to] <- message{tag: tag, data: buf}
	return nil
}

// Recv blocks until the matching Send from group rank from arrives, then
// checks the sender's tag against the expected one.
func (c *Comm) Recv(from int, tag string) ([]float32, error) {
	if from < 0 || from >= c.st.size {
		return nil, fmt.Errorf("recv: peer %d out of range for group of %d", from, c.st.size)
	}
	if from == c.rank {
		return nil, fmt.Errorf("recv: rank %d cannot receive from itself", c.rank)
	}
	msg := <-c.st.mail[from][c.rank]
	if msg.tag != tag {
		return nil, fmt.Errorf("recv: tag mismatch from rank %d: got %q, want %q", from, msg.tag, tag)
	}
	return msg.data, nil
}

// splitEntry is one member's contribution to a Split.
type splitEntry struct {
	color, key, rank int
}

// Split partitions the group into disjoint sub-groups: members passing the
// same color form one group, ordered by key (ties broken by parent rank).
// Every member of the parent group must call Split. The returned Comm is this
// member's endpoint in its new group.
func (c *Comm) Split(color, key int) *Comm {
	res := c.exchange(splitEntry{color: color, key: key, rank: c.rank}, func(parts []any) any {
		byColor := map[int][]splitEntry{}
		for _, p := range parts {
			e := p.(splitEntry)
			byColor[e.color] = append(byColor[e.color], e)
		}
		comms := make(map[int]*Comm, len(parts))
		for _, members := range byColor {
			sort.Slice(members, func(i, j int) bool {
				if members[i].key != members[j].key {
					return members[i].key < members[j].key
				}
				return members[i].rank < members[j].rank
			})
			st := newState(len(members))
			for newRank, e := range members {
				comms[e.rank] = &Comm{rank: newRank, st: st}
			}
		}
		return comms
	}).(map[int]*Comm)
	return res[c.rank]
}
