package ports

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerSeqNo(t *testing.T) {
	for input, want := range map[string]int{"": 0, "master": 0, "gw0": 0, "gw7": 7, "gw12": 12} {
		got, err := workerSeqNo(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	_, err := workerSeqNo("worker-3")
	assert.Error(t, err)
}

func TestDisjointWorkerRanges(t *testing.T) {
	const workerCount = 8
	basePort := 15000
	portNum := (32768 - basePort) / workerCount

	seen := make(map[int]int)
	for seq := 0; seq < workerCount; seq++ {
		slot := WorkerSlot{Seq: seq, BasePort: basePort + seq*portNum, PortNum: portNum}
		for p := slot.BasePort; p < slot.BasePort+slot.PortNum; p++ {
			if other, dup := seen[p]; dup {
				t.Fatalf("port %d shared by workers %d and %d", p, other, seq)
			}
			seen[p] = seq
		}
	}
}

func TestSlotFromEnvUsesConfiguredWidth(t *testing.T) {
	t.Setenv(WorkerEnv, "gw3")
	t.Setenv(WorkerCountEnv, "8")
	t.Setenv("HARNESS_WORKER_PORT_NUM", "50")

	slot, err := SlotFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 3, slot.Seq)
	assert.Equal(t, 50, slot.PortNum)
	assert.Equal(t, 15000+3*50, slot.BasePort)
}

func TestSlotFromEnvWidthFallsBackWhenTooWide(t *testing.T) {
	t.Setenv(WorkerEnv, "gw1")
	t.Setenv(WorkerCountEnv, "4")
	// 4 workers at 10000 ports each would overrun the port space, so the
	// width degrades to an even division of the space.
	t.Setenv("HARNESS_WORKER_PORT_NUM", "10000")

	slot, err := SlotFromEnv()
	require.NoError(t, err)
	derived := (portSpaceEnd - 15000) / 4
	assert.Equal(t, derived, slot.PortNum)
	assert.Equal(t, 15000+derived, slot.BasePort)
}

func TestAllocatorNeverRepeats(t *testing.T) {
	a := NewAllocator(WorkerSlot{Seq: 0, BasePort: 20000, PortNum: 50})

	var mu sync.Mutex
	seen := make(map[int]bool)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				port, err := a.Allocate()
				require.NoError(t, err)
				require.GreaterOrEqual(t, port, 20000)
				require.Less(t, port, 20050)
				mu.Lock()
				require.False(t, seen[port], "port %d issued twice", port)
				seen[port] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Range is now exhausted.
	_, err := a.Allocate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPortRangeExhausted))
}

func TestAllocateN(t *testing.T) {
	a := NewAllocator(WorkerSlot{Seq: 0, BasePort: 21000, PortNum: 10})
	got, err := a.AllocateN(3)
	require.NoError(t, err)
	assert.Equal(t, []int{21000, 21001, 21002}, got)

	_, err = a.AllocateN(8)
	assert.Error(t, err)
}
