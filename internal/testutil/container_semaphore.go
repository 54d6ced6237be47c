// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"os"
	"runtime"
	"strconv"
	"sync"
	"testing"
)

// ContainerParallelEnv caps how many integration tests start containers at once.
const ContainerParallelEnv = "MATRIXCI_TEST_CONTAINER_PARALLEL"

var containerSlots = sync.OnceValue(func() chan struct{} {
	n := min(runtime.GOMAXPROCS(0), 2)
	if v, err := strconv.Atoi(os.Getenv(ContainerParallelEnv)); err == nil && v > 0 {
		n = v
	}
	return make(chan struct{}, n)
})

// AcquireContainerSlot blocks until fewer than the configured number of tests hold a
// slot. The slot is released when t finishes.
func AcquireContainerSlot(t testing.TB) {
	t.Helper()
	slots := containerSlots()
	slots <- struct{}{}
	t.Cleanup(func() { <-slots })
}
