package train

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/distclip/distclip/comm"
	"github.com/distclip/distclip/module"
	"github.com/distclip/distclip/types/tensor"
)

// stubModule carries parameters only; forward/backward are not used by the
// tests that rely on it.
type stubModule struct {
	name   string
	params []*module.Param
}

func (s *stubModule) Name() string                        { return s.name }
func (s *stubModule) SetInputActivation(*tensor.Local)    {}
func (s *stubModule) Parameters() []*module.Param         { return s.params }
func (s *stubModule) StateDict() map[string]*tensor.Local { return module.StateDictOf(s.params) }
func (s *stubModule) Forward(map[string]*tensor.Local) (*tensor.Local, any, error) {
	return nil, nil, nil
}
func (s *stubModule) Backward(any, *tensor.Local) (*tensor.Local, error) { return nil, nil }
func (s *stubModule) LoadStateDict(sd map[string]*tensor.Local, strict bool) error {
	return module.LoadInto(s.params, sd, strict)
}

// countingComm wraps a communicator and counts collective calls.
type countingComm struct {
	comm.Communicator

	mu         sync.Mutex
	allReduces int
	broadcasts int
}

func (c *countingComm) AllReduce(group []int, buf *tensor.Local, op comm.Op) error {
	c.mu.Lock()
	c.allReduces++
	c.mu.Unlock()
	return c.Communicator.AllReduce(group, buf, op)
}

func (c *countingComm) Broadcast(group []int, root int, buf *tensor.Local) error {
	c.mu.Lock()
	c.broadcasts++
	c.mu.Unlock()
	return c.Communicator.Broadcast(group, root, buf)
}

func (c *countingComm) AllReduceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allReduces
}

// runWorld runs fn on every rank of a fresh mesh and fails on any error.
func runWorld(t *testing.T, mesh interface {
	Communicator(rank int) comm.Communicator
}, worldSize int, fn func(rank int, c comm.Communicator) error) {
	t.Helper()
	errs := make([]error, worldSize)
	var wg sync.WaitGroup
	for rank := 0; rank < worldSize; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errs[rank] = fn(rank, mesh.Communicator(rank))
		}(rank)
	}
	wg.Wait()
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}
}
