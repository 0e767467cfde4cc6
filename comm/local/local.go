// Package local implements comm.Communicator over an in-process channel
// mesh. Each rank runs on its own goroutine; point-to-point transfers are
// buffered channels keyed by (from, to, tag) and collectives are built from
// them as reduce-to-root followed by broadcast.
//
// It exists to run the full SPMD training logic in tests and single-host
// experiments; a networked substrate plugs in behind the same interface.
package local

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/distclip/distclip/comm"
	"github.com/distclip/distclip/types/shapes"
	"github.com/distclip/distclip/types/tensor"
)

// Channel depth per (from, to, tag) edge. Deep enough that pipeline
// schedules never block on send while the peer is still computing.
const edgeBuffer = 128

type edge struct {
	from, to int
	tag      string
}

// Mesh is the shared state of an in-process world. Create one Mesh and hand
// each rank's goroutine its Communicator.
type Mesh struct {
	worldSize int

	mu    sync.Mutex
	edges map[edge]chan *tensor.Local
	down  map[[2]int]bool
}

// NewMesh creates a mesh for worldSize ranks.
func NewMesh(worldSize int) *Mesh {
	return &Mesh{
		worldSize: worldSize,
		edges:     make(map[edge]chan *tensor.Local),
		down:      make(map[[2]int]bool),
	}
}

// Communicator returns the communicator for the given rank.
func (m *Mesh) Communicator(rank int) comm.Communicator {
	if rank < 0 || rank >= m.worldSize {
		panic(errors.Errorf("local: rank %d out of range [0, %d)", rank, m.worldSize))
	}
	return &communicator{mesh: m, rank: rank}
}

// SetLinkDown marks the link between two ranks as failed, in both
// directions. Subsequent transfers over it return an error. Used in tests to
// exercise the fatal collective-failure path.
func (m *Mesh) SetLinkDown(a, b int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down[[2]int{a, b}] = true
	m.down[[2]int{b, a}] = true
}

func (m *Mesh) channel(from, to int, tag string) (chan *tensor.Local, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down[[2]int{from, to}] {
		return nil, errors.Errorf("local: link %d->%d is down", from, to)
	}
	key := edge{from: from, to: to, tag: tag}
	ch, ok := m.edges[key]
	if !ok {
		ch = make(chan *tensor.Local, edgeBuffer)
		m.edges[key] = ch
	}
	return ch, nil
}

type communicator struct {
	mesh *Mesh
	rank int
}

func (c *communicator) Rank() int      { return c.rank }
func (c *communicator) WorldSize() int { return c.mesh.worldSize }

func (c *communicator) Send(to int, tag string, t *tensor.Local) error {
	if to == c.rank {
		return errors.Errorf("local: rank %d sending to itself (tag %q)", to, tag)
	}
	ch, err := c.mesh.channel(c.rank, to, tag)
	if err != nil {
		return err
	}
	// Clone so the sender can keep mutating its buffer.
	ch <- t.Clone()
	return nil
}

func (c *communicator) Recv(from int, tag string) (*tensor.Local, error) {
	ch, err := c.mesh.channel(from, c.rank, tag)
	if err != nil {
		return nil, err
	}
	return <-ch, nil
}

// requireMember checks membership and returns a sorted copy of the group.
func (c *communicator) requireMember(group []int) ([]int, error) {
	sorted := append([]int(nil), group...)
	sort.Ints(sorted)
	for _, r := range sorted {
		if r == c.rank {
			return sorted, nil
		}
	}
	return nil, errors.Errorf("local: rank %d is not a member of group %v", c.rank, group)
}

func reduceInto(acc, in *tensor.Local, op comm.Op) error {
	switch op {
	case comm.OpSum:
		return acc.AddFrom(in)
	case comm.OpMax:
		return acc.MaxFrom(in)
	case comm.OpMin:
		return acc.MinFrom(in)
	}
	return errors.Errorf("local: unsupported reduce op %s", op)
}

// AllReduce is a rooted reduce followed by a broadcast, the simplest of the
// collective dataflows; the group's lowest rank acts as root.
func (c *communicator) AllReduce(group []int, buf *tensor.Local, op comm.Op) error {
	sorted, err := c.requireMember(group)
	if err != nil {
		return err
	}
	if len(sorted) == 1 {
		return nil
	}
	root := sorted[0]
	const tag = "allreduce"
	if c.rank == root {
		for _, peer := range sorted[1:] {
			in, err := c.Recv(peer, tag)
			if err != nil {
				return errors.Wrapf(err, "all-reduce recv from rank %d", peer)
			}
			if err := reduceInto(buf, in, op); err != nil {
				return err
			}
		}
		for _, peer := range sorted[1:] {
			if err := c.Send(peer, tag, buf); err != nil {
				return errors.Wrapf(err, "all-reduce send to rank %d", peer)
			}
		}
		return nil
	}
	if err := c.Send(root, tag, buf); err != nil {
		return errors.Wrapf(err, "all-reduce send to root %d", root)
	}
	result, err := c.Recv(root, tag)
	if err != nil {
		return errors.Wrapf(err, "all-reduce recv from root %d", root)
	}
	return buf.CopyFrom(result)
}

func (c *communicator) Broadcast(group []int, root int, buf *tensor.Local) error {
	sorted, err := c.requireMember(group)
	if err != nil {
		return err
	}
	rootInGroup := false
	for _, r := range sorted {
		rootInGroup = rootInGroup || r == root
	}
	if !rootInGroup {
		return errors.Errorf("local: broadcast root %d not in group %v", root, group)
	}
	const tag = "broadcast"
	if c.rank == root {
		for _, peer := range sorted {
			if peer == root {
				continue
			}
			if err := c.Send(peer, tag, buf); err != nil {
				return errors.Wrapf(err, "broadcast send to rank %d", peer)
			}
		}
		return nil
	}
	result, err := c.Recv(root, tag)
	if err != nil {
		return errors.Wrapf(err, "broadcast recv from root %d", root)
	}
	return buf.CopyFrom(result)
}

func (c *communicator) AllGather(group []int, buf *tensor.Local) (*tensor.Local, error) {
	sorted, err := c.requireMember(group)
	if err != nil {
		return nil, err
	}
	if len(sorted) == 1 {
		return buf.Clone(), nil
	}
	root := sorted[0]
	const tag = "allgather"
	if c.rank == root {
		parts := make([]*tensor.Local, len(sorted))
		for i, peer := range sorted {
			if peer == root {
				parts[i] = buf
				continue
			}
			in, err := c.Recv(peer, tag)
			if err != nil {
				return nil, errors.Wrapf(err, "all-gather recv from rank %d", peer)
			}
			parts[i] = in
		}
		gathered, err := concat0(parts)
		if err != nil {
			return nil, err
		}
		for _, peer := range sorted[1:] {
			if err := c.Send(peer, tag, gathered); err != nil {
				return nil, errors.Wrapf(err, "all-gather send to rank %d", peer)
			}
		}
		return gathered, nil
	}
	if err := c.Send(root, tag, buf); err != nil {
		return nil, errors.Wrapf(err, "all-gather send to root %d", root)
	}
	gathered, err := c.Recv(root, tag)
	if err != nil {
		return nil, errors.Wrapf(err, "all-gather recv from root %d", root)
	}
	return gathered, nil
}

func (c *communicator) Barrier(group []int) error {
	token := tensor.FromScalar(int32(1))
	return c.AllReduce(group, token, comm.OpSum)
}

// concat0 concatenates tensors along dimension 0. All parts must agree on
// dtype and trailing dimensions.
func concat0(parts []*tensor.Local) (*tensor.Local, error) {
	first := parts[0].Shape()
	if first.IsScalar() {
		return nil, errors.New("local: cannot concatenate scalars")
	}
	total := 0
	for _, p := range parts {
		s := p.Shape()
		if s.DType != first.DType || s.Rank() != first.Rank() {
			return nil, errors.Errorf("local: concat of incompatible shapes %s and %s", first, s)
		}
		for d := 1; d < s.Rank(); d++ {
			if s.Dimensions[d] != first.Dimensions[d] {
				return nil, errors.Errorf("local: concat of incompatible shapes %s and %s", first, s)
			}
		}
		total += s.Dimensions[0]
	}
	dims := append([]int{total}, first.Dimensions[1:]...)
	out := tensor.FromShape(shapes.Make(first.DType, dims...))
	offset := 0
	for _, p := range parts {
		n := len(p.Bytes())
		copy(out.Bytes()[offset:offset+n], p.Bytes())
		offset += n
	}
	return out, nil
}
