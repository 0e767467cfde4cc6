package local

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distclip/distclip/comm"
	"github.com/distclip/distclip/types/tensor"
)

// runRanks executes fn concurrently on every rank of a fresh mesh and fails
// the test on the first rank error.
func runRanks(t *testing.T, worldSize int, fn func(c comm.Communicator) error) {
	t.Helper()
	mesh := NewMesh(worldSize)
	errs := make([]error, worldSize)
	var wg sync.WaitGroup
	for rank := 0; rank < worldSize; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errs[rank] = fn(mesh.Communicator(rank))
		}(rank)
	}
	wg.Wait()
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}
}

func TestSendRecv(t *testing.T) {
	runRanks(t, 2, func(c comm.Communicator) error {
		if c.Rank() == 0 {
			return c.Send(1, "data", tensor.FromFlat([]float32{1, 2, 3}, 3))
		}
		got, err := c.Recv(0, "data")
		if err != nil {
			return err
		}
		assert.Equal(t, []float32{1, 2, 3}, tensor.Data[float32](got))
		return nil
	})
}

func TestSendClones(t *testing.T) {
	runRanks(t, 2, func(c comm.Communicator) error {
		if c.Rank() == 0 {
			x := tensor.FromFlat([]float32{1}, 1)
			if err := c.Send(1, "t", x); err != nil {
				return err
			}
			tensor.Data[float32](x)[0] = 99
			return nil
		}
		got, err := c.Recv(0, "t")
		if err != nil {
			return err
		}
		assert.Equal(t, float32(1), tensor.Data[float32](got)[0])
		return nil
	})
}

func TestAllReduceSum(t *testing.T) {
	runRanks(t, 4, func(c comm.Communicator) error {
		buf := tensor.FromFlat([]float32{float32(c.Rank()), 1}, 2)
		if err := c.AllReduce([]int{0, 1, 2, 3}, buf, comm.OpSum); err != nil {
			return err
		}
		assert.Equal(t, []float32{6, 4}, tensor.Data[float32](buf))
		return nil
	})
}

func TestAllReduceSubgroup(t *testing.T) {
	runRanks(t, 4, func(c comm.Communicator) error {
		group := []int{0, 2}
		if c.Rank()%2 == 1 {
			group = []int{1, 3}
		}
		buf := tensor.FromScalar(float64(c.Rank() + 1))
		if err := c.AllReduce(group, buf, comm.OpSum); err != nil {
			return err
		}
		want := 4.0 // 1+3
		if c.Rank()%2 == 1 {
			want = 6.0 // 2+4
		}
		assert.Equal(t, want, buf.ScalarFloat64())
		return nil
	})
}

func TestAllReduceMax(t *testing.T) {
	runRanks(t, 3, func(c comm.Communicator) error {
		buf := tensor.FromScalar(float64(c.Rank()))
		if err := c.AllReduce([]int{0, 1, 2}, buf, comm.OpMax); err != nil {
			return err
		}
		assert.Equal(t, 2.0, buf.ScalarFloat64())
		return nil
	})
}

func TestBroadcast(t *testing.T) {
	runRanks(t, 3, func(c comm.Communicator) error {
		buf := tensor.FromScalar(float64(c.Rank() * 10))
		if err := c.Broadcast([]int{0, 1, 2}, 2, buf); err != nil {
			return err
		}
		assert.Equal(t, 20.0, buf.ScalarFloat64())
		return nil
	})
}

func TestAllGather(t *testing.T) {
	runRanks(t, 3, func(c comm.Communicator) error {
		buf := tensor.FromFlat([]float32{float32(c.Rank()), float32(c.Rank())}, 1, 2)
		got, err := c.AllGather([]int{0, 1, 2}, buf)
		if err != nil {
			return err
		}
		assert.Equal(t, []int{3, 2}, got.Shape().Dimensions)
		assert.Equal(t, []float32{0, 0, 1, 1, 2, 2}, tensor.Data[float32](got))
		return nil
	})
}

func TestBarrier(t *testing.T) {
	runRanks(t, 4, func(c comm.Communicator) error {
		return c.Barrier([]int{0, 1, 2, 3})
	})
}

func TestLinkDownFailsCollective(t *testing.T) {
	mesh := NewMesh(2)
	mesh.SetLinkDown(0, 1)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for rank := 0; rank < 2; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			buf := tensor.FromScalar(1.0)
			errs[rank] = mesh.Communicator(rank).AllReduce([]int{0, 1}, buf, comm.OpSum)
		}(rank)
	}
	wg.Wait()
	assert.Error(t, errs[0])
	assert.Error(t, errs[1])
}
