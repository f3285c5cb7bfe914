package distrib

import (
	"context"
	"encoding/gob"
	"fmt"
	"net"
	"time"

	"github.com/soundfield/nvas-train/internal/model"
)

// DefaultAddr is the rendezvous address for the process group. The group
// is strictly node-local, so a fixed loopback address and port suffice.
const DefaultAddr = "127.0.0.1:12355"

// dialRetryInterval is the pause between dial attempts while a non-root
// rank waits for rank 0 to start listening. Workers are spawned
// concurrently, so a few misses at startup are normal.
const dialRetryInterval = 100 * time.Millisecond

// rendezvousTimeout bounds the whole group formation. If a worker dies
// before joining, the survivors must not hang forever.
const rendezvousTimeout = 30 * time.Second

// msgOp identifies the collective a message belongs to.
type msgOp uint8

const (
	opHello msgOp = iota
	opBarrier
	opReduce
	opResult
)

// message is the gob-framed wire format. A single struct covers all
// collectives; Values is nil for hello and barrier messages.
type message struct {
	Op     msgOp
	Rank   int
	Values []float64
}

// peer is one rank-0-side connection with its persistent codec pair.
type peer struct {
	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder
}

// ProcessGroup is a formed collective-communication group. All collectives
// must be called by every rank in the same order; the group performs no
// internal buffering of out-of-order operations.
type ProcessGroup struct {
	rank      int
	worldSize int

	// listener is held by rank 0 for teardown.
	listener net.Listener

	// peers is indexed by rank-1 on rank 0 (connection to each worker);
	// on other ranks it holds the single connection to rank 0.
	peers []*peer
}

// Init forms the process group. Rank 0 listens on addr and accepts
// worldSize-1 workers; other ranks dial addr, retrying until rank 0 is
// up. Every rank of the group must call Init with the same addr and
// worldSize.
//
// A world size of 1 forms a degenerate group with no networking; all
// collectives become no-ops. This lets the trainer run the same code
// path in both topologies.
func Init(ctx context.Context, addr string, rank, worldSize int) (*ProcessGroup, error) {
	if worldSize < 1 {
		return nil, fmt.Errorf("distrib: world size %d out of range (>= 1)", worldSize)
	}
	if rank < 0 || rank >= worldSize {
		return nil, fmt.Errorf("distrib: rank %d out of range [0, %d)", rank, worldSize)
	}
	if addr == "" {
		addr = DefaultAddr
	}

	pg := &ProcessGroup{rank: rank, worldSize: worldSize}
	if worldSize == 1 {
		return pg, nil
	}

	ctx, cancel := context.WithTimeout(ctx, rendezvousTimeout)
	defer cancel()

	var err error
	if rank == 0 {
		err = pg.listen(ctx, addr)
	} else {
		err = pg.dial(ctx, addr)
	}
	if err != nil {
		pg.Close()
		return nil, model.WrapCLIError(model.ExitDistribError,
			fmt.Sprintf("process group rendezvous failed (rank %d of %d)", rank, worldSize), err)
	}
	return pg, nil
}

// Rank returns this process's rank within the group.
func (pg *ProcessGroup) Rank() int {
	return pg.rank
}

// WorldSize returns the total number of cooperating processes.
func (pg *ProcessGroup) WorldSize() int {
	return pg.worldSize
}

// listen accepts worldSize-1 workers and indexes them by their hello rank.
func (pg *ProcessGroup) listen(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	pg.listener = listener

	// Abort pending Accept calls when the rendezvous deadline passes.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			listener.Close()
		case <-done:
		}
	}()

	pg.peers = make([]*peer, pg.worldSize-1)
	for i := 0; i < pg.worldSize-1; i++ {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("rendezvous timed out with %d of %d workers joined", i, pg.worldSize-1)
			}
			return fmt.Errorf("accept: %w", err)
		}

		p := &peer{conn: conn, enc: gob.NewEncoder(conn), dec: gob.NewDecoder(conn)}
		var hello message
		if err := p.dec.Decode(&hello); err != nil {
			return fmt.Errorf("read hello: %w", err)
		}
		if hello.Op != opHello || hello.Rank < 1 || hello.Rank >= pg.worldSize {
			return fmt.Errorf("bad hello from peer: op=%d rank=%d", hello.Op, hello.Rank)
		}
		if pg.peers[hello.Rank-1] != nil {
			return fmt.Errorf("duplicate hello for rank %d", hello.Rank)
		}
		pg.peers[hello.Rank-1] = p
	}
	return nil
}

// dial connects to rank 0, retrying while it may not be listening yet.
func (pg *ProcessGroup) dial(ctx context.Context, addr string) error {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			p := &peer{conn: conn, enc: gob.NewEncoder(conn), dec: gob.NewDecoder(conn)}
			if err := p.enc.Encode(message{Op: opHello, Rank: pg.rank}); err != nil {
				conn.Close()
				return fmt.Errorf("send hello: %w", err)
			}
			pg.peers = []*peer{p}
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("dial %s: %w (last error: %v)", addr, ctx.Err(), err)
		case <-time.After(dialRetryInterval):
		}
	}
}

// Barrier blocks until every rank of the group has reached it.
func (pg *ProcessGroup) Barrier() error {
	if pg.worldSize == 1 {
		return nil
	}

	if pg.rank == 0 {
		for _, p := range pg.peers {
			var msg message
			if err := p.dec.Decode(&msg); err != nil {
				return fmt.Errorf("distrib: barrier recv: %w", err)
			}
			if msg.Op != opBarrier {
				return fmt.Errorf("distrib: barrier got op %d", msg.Op)
			}
		}
		for _, p := range pg.peers {
			if err := p.enc.Encode(message{Op: opResult, Rank: 0}); err != nil {
				return fmt.Errorf("distrib: barrier release: %w", err)
			}
		}
		return nil
	}

	root := pg.peers[0]
	if err := root.enc.Encode(message{Op: opBarrier, Rank: pg.rank}); err != nil {
		return fmt.Errorf("distrib: barrier send: %w", err)
	}
	var msg message
	if err := root.dec.Decode(&msg); err != nil {
		return fmt.Errorf("distrib: barrier wait: %w", err)
	}
	if msg.Op != opResult {
		return fmt.Errorf("distrib: barrier got op %d", msg.Op)
	}
	return nil
}

// AllReduceMean replaces values on every rank with the element-wise mean
// across all ranks. All ranks must pass vectors of the same length. This
// is the gradient-averaging step of data-parallel training.
func (pg *ProcessGroup) AllReduceMean(values []float64) error {
	if pg.worldSize == 1 {
		return nil
	}

	if pg.rank == 0 {
		sum := append([]float64(nil), values...)
		for _, p := range pg.peers {
			var msg message
			if err := p.dec.Decode(&msg); err != nil {
				return fmt.Errorf("distrib: all-reduce recv: %w", err)
			}
			if msg.Op != opReduce {
				return fmt.Errorf("distrib: all-reduce got op %d", msg.Op)
			}
			if len(msg.Values) != len(sum) {
				return fmt.Errorf("distrib: all-reduce length mismatch: rank %d sent %d, expected %d",
					msg.Rank, len(msg.Values), len(sum))
			}
			for i, v := range msg.Values {
				sum[i] += v
			}
		}

		inv := 1.0 / float64(pg.worldSize)
		for i := range sum {
			sum[i] *= inv
		}
		for _, p := range pg.peers {
			if err := p.enc.Encode(message{Op: opResult, Rank: 0, Values: sum}); err != nil {
				return fmt.Errorf("distrib: all-reduce broadcast: %w", err)
			}
		}
		copy(values, sum)
		return nil
	}

	root := pg.peers[0]
	if err := root.enc.Encode(message{Op: opReduce, Rank: pg.rank, Values: values}); err != nil {
		return fmt.Errorf("distrib: all-reduce send: %w", err)
	}
	var msg message
	if err := root.dec.Decode(&msg); err != nil {
		return fmt.Errorf("distrib: all-reduce wait: %w", err)
	}
	if msg.Op != opResult {
		return fmt.Errorf("distrib: all-reduce got op %d", msg.Op)
	}
	if len(msg.Values) != len(values) {
		return fmt.Errorf("distrib: all-reduce result length %d, expected %d", len(msg.Values), len(values))
	}
	copy(values, msg.Values)
	return nil
}

// Close tears the group down: all connections and, on rank 0, the
// listener. Safe to call multiple times and on a degenerate group.
func (pg *ProcessGroup) Close() error {
	var firstErr error
	for _, p := range pg.peers {
		if p == nil {
			continue
		}
		if err := p.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	pg.peers = nil

	if pg.listener != nil {
		if err := pg.listener.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		pg.listener = nil
	}
	return firstErr
}
