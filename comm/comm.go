// Package comm declares the collective-communication substrate the training
// orchestration runs on. The substrate's correctness (delivery, reduction
// arithmetic across the wire) is externally guaranteed; this package only
// fixes the contract.
//
// Every call is a blocking synchronization point: all ranks named in the
// group must reach the same call or the step deadlocks. There is no retry at
// this layer — a failed collective is fatal to the step, because a retry
// could leave ranks with inconsistent gradient state.
package comm

import "github.com/distclip/distclip/types/tensor"

// Op is the reduction operator of an all-reduce.
type Op int

const (
	OpSum Op = iota
	OpMax
	OpMin
)

// String implements fmt.Stringer.
func (op Op) String() string {
	switch op {
	case OpSum:
		return "sum"
	case OpMax:
		return "max"
	case OpMin:
		return "min"
	}
	return "invalid"
}

// Communicator is one rank's handle on the process world. Group arguments
// list the global ranks participating in the collective; the caller's rank
// must be a member.
type Communicator interface {
	// Rank returns this process's global rank.
	Rank() int

	// WorldSize returns the total number of ranks.
	WorldSize() int

	// AllReduce reduces buf element-wise across the group with op and
	// leaves the result in buf on every member.
	AllReduce(group []int, buf *tensor.Local, op Op) error

	// Broadcast replaces buf on every group member with root's buf.
	Broadcast(group []int, root int, buf *tensor.Local) error

	// AllGather concatenates each member's buf along dimension 0, in group
	// rank order, and returns the result on every member.
	AllGather(group []int, buf *tensor.Local) (*tensor.Local, error)

	// Send transfers t to rank `to`. Tags distinguish concurrent streams
	// between the same pair of ranks (e.g. per-micro-batch activations).
	Send(to int, tag string, t *tensor.Local) error

	// Recv receives the tensor sent by rank `from` with the given tag.
	// The shape travels with the data.
	Recv(from int, tag string) (*tensor.Local, error)

	// Barrier blocks until every rank of the group has entered it.
	Barrier(group []int) error
}
