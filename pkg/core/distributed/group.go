// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/sched/pkg/core/tensors"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// ProcessGroup is the set of participants of a tensor-parallel computation, as seen by one of them.
//
// Collectives block until every participant issued the same collective. Participants must issue their
// collectives in the same order, otherwise they fail (or, for real transports, deadlock).
type ProcessGroup interface {
	// Rank of this participant, from 0 to WorldSize()-1.
	Rank() int

	// WorldSize is the number of participants.
	WorldSize() int

	// Broadcast returns the value of t held by the root participant. Only the root's t is used.
	Broadcast(t *tensors.Tensor, root int) (*tensors.Tensor, error)

	// AllReduce reduces t elementwise across all participants.
	AllReduce(t *tensors.Tensor, op ReduceOp) (*tensors.Tensor, error)

	// AllGather concatenates the t of every participant, in rank order, along axis.
	AllGather(t *tensors.Tensor, axis int) (*tensors.Tensor, error)
}

// LocalGroup is a ProcessGroup simulated in-process: one LocalGroup per rank, all sharing the same rendezvous.
// Each LocalGroup must be used by only one goroutine at a time, the one "running" that rank.
//
// Create them with NewLocalGroups.
type LocalGroup struct {
	rendezvous *rendezvous
	rank       int
	sequence   int
}

var _ ProcessGroup = (*LocalGroup)(nil)

type rendezvous struct {
	size     int
	mu       sync.Mutex
	rounds   map[int]*round
	aborted  chan struct{}
	abortErr error
}

// round is one collective call, identified by its sequence number in each participant.
type round struct {
	kinds    []string
	inputs   []*tensors.Tensor
	arrived  int
	departed int
	done     chan struct{}
	results  []*tensors.Tensor
	err      error
}

// NewLocalGroups creates the worldSize participants of an in-process group.
func NewLocalGroups(worldSize int) []*LocalGroup {
	if worldSize <= 0 {
		exceptions.Panicf("distributed.NewLocalGroups(%d): worldSize must be > 0", worldSize)
	}
	r := &rendezvous{size: worldSize, rounds: make(map[int]*round), aborted: make(chan struct{})}
	groups := make([]*LocalGroup, worldSize)
	for rank := range groups {
		groups[rank] = &LocalGroup{rendezvous: r, rank: rank}
	}
	return groups
}

// RunLocal runs fn once per participant of a new in-process group of the given size, each in its own goroutine,
// and returns the first error. Panics in fn are converted to errors.
//
// Once one participant fails, collectives pending on the others fail as well, instead of blocking forever.
func RunLocal(worldSize int, fn func(group *LocalGroup) error) error {
	var eg errgroup.Group
	for _, group := range NewLocalGroups(worldSize) {
		eg.Go(func() error {
			var err error
			if caught := exceptions.TryCatch[error](func() { err = fn(group) }); caught != nil {
				err = caught
			}
			if err != nil {
				err = errors.WithMessagef(err, "rank %d", group.rank)
				group.rendezvous.abort(err)
			}
			return err
		})
	}
	return eg.Wait()
}

// abort fails all current and future collectives of the group.
func (r *rendezvous) abort(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.abortErr == nil {
		r.abortErr = err
		close(r.aborted)
	}
}

// Rank implements ProcessGroup.
func (g *LocalGroup) Rank() int { return g.rank }

// WorldSize implements ProcessGroup.
func (g *LocalGroup) WorldSize() int { return g.rendezvous.size }

// collective contributes t to the next round and waits for the other participants. The last participant
// to arrive computes the results for everyone with compute.
func (g *LocalGroup) collective(kind string, t *tensors.Tensor, compute func(inputs []*tensors.Tensor) []*tensors.Tensor) (*tensors.Tensor, error) {
	r := g.rendezvous
	seq := g.sequence
	g.sequence++

	r.mu.Lock()
	rd, found := r.rounds[seq]
	if !found {
		rd = &round{
			kinds:  make([]string, r.size),
			inputs: make([]*tensors.Tensor, r.size),
			done:   make(chan struct{}),
		}
		r.rounds[seq] = rd
	}
	rd.kinds[g.rank] = kind
	rd.inputs[g.rank] = t
	rd.arrived++
	if rd.arrived == r.size {
		if idx := slices.IndexFunc(rd.kinds, func(k string) bool { return k != rd.kinds[0] }); idx >= 0 {
			rd.err = errors.Errorf("collective #%d mismatch: rank 0 issued %s, rank %d issued %s",
				seq, rd.kinds[0], idx, rd.kinds[idx])
		} else {
			rd.err = exceptions.TryCatch[error](func() { rd.results = compute(rd.inputs) })
		}
		close(rd.done)
	}
	r.mu.Unlock()

	select {
	case <-rd.done:
	case <-r.aborted:
		return nil, errors.WithMessagef(r.abortErr, "%s #%d aborted on rank %d", kind, seq, g.rank)
	}

	r.mu.Lock()
	rd.departed++
	if rd.departed == r.size {
		delete(r.rounds, seq)
	}
	r.mu.Unlock()

	if rd.err != nil {
		return nil, errors.WithMessagef(rd.err, "%s on rank %d", kind, g.rank)
	}
	if klog.V(3).Enabled() {
		klog.Infof("rank %d: collective #%d %s -> %s", g.rank, seq, kind, rd.results[g.rank].Shape())
	}
	return rd.results[g.rank], nil
}

func replicate(t *tensors.Tensor, n int) []*tensors.Tensor {
	results := make([]*tensors.Tensor, n)
	for i := range results {
		results[i] = t.Clone()
	}
	return results
}

// Broadcast implements ProcessGroup.
func (g *LocalGroup) Broadcast(t *tensors.Tensor, root int) (*tensors.Tensor, error) {
	if root < 0 || root >= g.WorldSize() {
		return nil, errors.Errorf("Broadcast: invalid root %d for world size %d", root, g.WorldSize())
	}
	return g.collective("Broadcast", t, func(inputs []*tensors.Tensor) []*tensors.Tensor {
		return replicate(inputs[root], len(inputs))
	})
}

// AllReduce implements ProcessGroup.
func (g *LocalGroup) AllReduce(t *tensors.Tensor, op ReduceOp) (*tensors.Tensor, error) {
	return g.collective("AllReduce"+op.String(), t, func(inputs []*tensors.Tensor) []*tensors.Tensor {
		var reduced *tensors.Tensor
		switch op {
		case ReduceSum:
			reduced = tensors.Sum(inputs...)
		case ReduceMean:
			reduced = tensors.MulScalar(tensors.Sum(inputs...), 1/float64(len(inputs)))
		case ReduceMax:
			reduced = inputs[0]
			for _, input := range inputs[1:] {
				reduced = tensors.Maximum(reduced, input)
			}
		default:
			exceptions.Panicf("AllReduce: unknown reduce operation %s", op)
		}
		return replicate(reduced, len(inputs))
	})
}

// AllGather implements ProcessGroup.
func (g *LocalGroup) AllGather(t *tensors.Tensor, axis int) (*tensors.Tensor, error) {
	return g.collective("AllGather", t, func(inputs []*tensors.Tensor) []*tensors.Tensor {
		dt, err := NewTensor(axis, inputs)
		if err != nil {
			panic(err)
		}
		gathered, err := dt.Gather()
		if err != nil {
			panic(err)
		}
		return replicate(gathered, len(inputs))
	})
}
