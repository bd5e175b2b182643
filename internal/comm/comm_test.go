package comm

import (
	"math"
	"sync"
	"testing"
)

// runWorld runs fn concurrently on every rank endpoint and waits for all.
func runWorld(t *testing.T, size int, fn func(c *Comm)) {
	t.Helper()
	world := NewWorld(size)
	var wg sync.WaitGroup
	for _, c := range world {
		wg.Add(1)
		go func(c *Comm) {
			defer wg.Done()
			fn(c)
		}(c)
	}
	wg.Wait()
}

func TestAllGatherRankOrder(t *testing.T) {
	t.Parallel()
	const size = 4
	results := make([][]float32, size)
	runWorld(t, size, func(c *Comm) {
		local := []float32{float32(c.Rank()), float32(c.Rank()) + 0.5}
		results[c.Rank()] = c.AllGather(local)
	})
	want := []float32{0, 0.5, 1, 1.5, 2, 2.5, 3, 3.5}
	for r, got := range results {
		if len(got) != len(want) {
			t.Fatalf("rank %d: length %d, want %d", r, len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("rank %d: got %v want %v", r, got, want)
			}
		}
	}
}

func TestAllGatherReturnsOwnedCopy(t *testing.T) {
	t.Parallel()
	const size = 2
	results := make([][]float32, size)
	runWorld(t, size, func(c *Comm) {
		results[c.Rank()] = c.AllGather([]float32{float32(c.Rank())})
	})
	results[0][1] = 99
	if results[1][1] == 99 {
		t.Fatal("ranks must not share result storage")
	}
}

func TestAllReduceMean(t *testing.T) {
	t.Parallel()
	const size = 2
	inputs := [][]float32{{2, 10}, {4, 20}}
	results := make([][]float32, size)
	runWorld(t, size, func(c *Comm) {
		results[c.Rank()] = c.AllReduceMean(inputs[c.Rank()])
	})
	for r := range size {
		if results[r][0] != 3 || results[r][1] != 15 {
			t.Fatalf("rank %d: got %v, want [3 15]", r, results[r])
		}
	}
}

func TestBcast(t *testing.T) {
	t.Parallel()
	const size = 3
	results := make([][]float32, size)
	runWorld(t, size, func(c *Comm) {
		var local []float32
		if c.Rank() == 2 {
			local = []float32{1.25}
		}
		results[c.Rank()] = c.Bcast(2, local)
	})
	for r := range size {
		if len(results[r]) != 1 || results[r][0] != 1.25 {
			t.Fatalf("rank %d: got %v, want [1.25]", r, results[r])
		}
	}
}

func TestSendRecv(t *testing.T) {
	t.Parallel()
	var got []float32
	var recvErr error
	runWorld(t, 2, func(c *Comm) {
		if c.Rank() == 0 {
			if err := c.Send(1, "act", []float32{1, 2, 3}); err != nil {
				t.Errorf("send: %v", err)
			}
		} else {
			got, recvErr = c.Recv(0, "act")
		}
	})
	if recvErr != nil {
		t.Fatalf("recv: %v", recvErr)
	}
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("got %v", got)
	}
}

func TestRecvTagMismatch(t *testing.T) {
	t.Parallel()
	var recvErr error
	runWorld(t, 2, func(c *Comm) {
		if c.Rank() == 0 {
			_ = c.Send(1, "t0.d0", nil)
		} else {
			_, recvErr = c.Recv(0, "t1.d0")
		}
	})
	if recvErr == nil {
		t.Fatal("expected tag mismatch error")
	}
}

func TestSendRecvPeerValidation(t *testing.T) {
	t.Parallel()
	world := NewWorld(2)
	if err := world[0].Send(5, "x", nil); err == nil {
		t.Fatal("expected out-of-range peer error")
	}
	if err := world[0].Send(0, "x", nil); err == nil {
		t.Fatal("expected self-send error")
	}
	if _, err := world[0].Recv(-1, "x"); err == nil {
		t.Fatal("expected out-of-range peer error")
	}
}

func TestSplitGroups(t *testing.T) {
	t.Parallel()
	// 6 ranks, color = rank % 3: three groups of two, ordered by rank.
	const size = 6
	type res struct{ rank, sz int }
	results := make([]res, size)
	gathered := make([][]float32, size)
	runWorld(t, size, func(c *Comm) {
		g := c.Split(c.Rank()%3, c.Rank())
		results[c.Rank()] = res{rank: g.Rank(), sz: g.Size()}
		gathered[c.Rank()] = g.AllGather([]float32{float32(c.Rank())})
	})
	for r := range size {
		if results[r].sz != 2 {
			t.Fatalf("rank %d: group size %d, want 2", r, results[r].sz)
		}
		wantRank := r / 3
		if results[r].rank != wantRank {
			t.Fatalf("rank %d: group rank %d, want %d", r, results[r].rank, wantRank)
		}
		want := []float32{float32(r % 3), float32(r%3 + 3)}
		if gathered[r][0] != want[0] || gathered[r][1] != want[1] {
			t.Fatalf("rank %d: gathered %v, want %v", r, gathered[r], want)
		}
	}
}

func TestSplitKeyOrdering(t *testing.T) {
	t.Parallel()
	// Reversed keys reverse the group rank order.
	const size = 3
	ranks := make([]int, size)
	runWorld(t, size, func(c *Comm) {
		g := c.Split(0, size-c.Rank())
		ranks[c.Rank()] = g.Rank()
	})
	for r := range size {
		if want := size - 1 - r; ranks[r] != want {
			t.Fatalf("rank %d: group rank %d, want %d", r, ranks[r], want)
		}
	}
}

func TestCollectiveReusable(t *testing.T) {
	t.Parallel()
	// Back-to-back collectives on the same group must not interfere.
	const size = 3
	const rounds = 50
	sums := make([]float64, size)
	runWorld(t, size, func(c *Comm) {
		var total float64
		for i := range rounds {
			out := c.AllReduceMean([]float32{float32(c.Rank() + i)})
			total += float64(out[0])
		}
		sums[c.Rank()] = total
	})
	for r := 1; r < size; r++ {
		if math.Abs(sums[r]-sums[0]) > 1e-9 {
			t.Fatalf("rank %d diverged: %v vs %v", r, sums[r], sums[0])
		}
	}
}
