// Package ports partitions the ephemeral TCP port space between parallel
// test-worker processes and hands out non-colliding ports within a worker's
// slice of it.
package ports

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/golang/glog"

	"github.com/pagestream/harness/harness/util"
)

const (
	// WorkerEnv carries the test-worker identity, "master" or "gw<N>"
	// (the pytest-xdist convention, which our CI runner mirrors).
	WorkerEnv      = "HARNESS_TEST_WORKER"
	WorkerCountEnv = "HARNESS_TEST_WORKER_COUNT"

	portSpaceEnd = 32768
)

// ErrPortRangeExhausted is a harness bug, not a transient condition; callers
// must not retry it.
var ErrPortRangeExhausted = errors.New("port range exhausted")

// WorkerSlot identifies this process among concurrently running test
// workers. Slots of distinct workers have disjoint port ranges. Computed once
// at process start, immutable afterwards.
type WorkerSlot struct {
	Seq      int
	BasePort int
	PortNum  int
}

// SlotFromEnv derives the worker slot from HARNESS_TEST_WORKER and
// HARNESS_TEST_WORKER_COUNT. A process that is not part of a parallel run
// gets slot 0 spanning the whole range.
func SlotFromEnv() (WorkerSlot, error) {
	seq, err := workerSeqNo(os.Getenv(WorkerEnv))
	if err != nil {
		return WorkerSlot{}, err
	}

	workerCount := 1
	if s := os.Getenv(WorkerCountEnv); s != "" {
		if workerCount, err = strconv.Atoi(s); err != nil || workerCount < 1 {
			return WorkerSlot{}, fmt.Errorf("invalid %s=%q", WorkerCountEnv, s)
		}
	}

	util.LoadHarnessConfiguration()
	basePort := util.GetViper().GetInt(util.KeyBasePort)

	// The configured per-worker width wins as long as every worker's range
	// still fits below the port-space ceiling; otherwise divide the space.
	portNum := util.GetViper().GetInt(util.KeyWorkerPortNum)
	if portNum <= 0 || basePort+workerCount*portNum > portSpaceEnd {
		portNum = (portSpaceEnd - basePort) / workerCount
	}
	if seq >= workerCount {
		return WorkerSlot{}, fmt.Errorf("worker seq %d out of range for %d workers", seq, workerCount)
	}

	slot := WorkerSlot{
		Seq:      seq,
		BasePort: basePort + seq*portNum,
		PortNum:  portNum,
	}
	glog.V(1).Infof("worker slot %d: ports [%d, %d)", slot.Seq, slot.BasePort, slot.BasePort+slot.PortNum)
	return slot, nil
}

func workerSeqNo(workerID string) (int, error) {
	if workerID == "" || workerID == "master" {
		return 0, nil
	}
	if !strings.HasPrefix(workerID, "gw") {
		return 0, fmt.Errorf("unrecognized %s=%q", WorkerEnv, workerID)
	}
	seq, err := strconv.Atoi(workerID[2:])
	if err != nil {
		return 0, fmt.Errorf("unrecognized %s=%q", WorkerEnv, workerID)
	}
	return seq, nil
}

// Allocator hands out ports from the owning worker's range. It never reuses
// a port, and it does not probe whether the OS considers the port free.
type Allocator struct {
	mu   sync.Mutex
	slot WorkerSlot
	next int
}

func NewAllocator(slot WorkerSlot) *Allocator {
	return &Allocator{slot: slot, next: slot.BasePort}
}

// Allocate returns the next unused port in [BasePort, BasePort+PortNum).
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.next >= a.slot.BasePort+a.slot.PortNum {
		return 0, fmt.Errorf("%w: worker %d used all %d ports", ErrPortRangeExhausted, a.slot.Seq, a.slot.PortNum)
	}
	port := a.next
	a.next++
	return port, nil
}

// AllocateN is a convenience wrapper for grabbing several ports at once.
func (a *Allocator) AllocateN(n int) ([]int, error) {
	out := make([]int, 0, n)
	for i := 0; i < n; i++ {
		port, err := a.Allocate()
		if err != nil {
			return nil, err
		}
		out = append(out, port)
	}
	return out, nil
}
