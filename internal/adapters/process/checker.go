package process

import (
	"context"
	"fmt"
	"math"

	gopsprocess "github.com/shirou/gopsutil/v4/process"

	"github.com/target/queuesd/internal/core"
)

var _ core.ProcessChecker = Checker{}

// Checker looks up pids in the local process table.
type Checker struct{}

// Exists reports whether a process with the given pid is running on this host.
func (Checker) Exists(ctx context.Context, pid int) (bool, error) {
	if pid <= 0 || pid > math.MaxInt32 {
		return false, nil
	}
	ok, err := gopsprocess.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		return false, fmt.Errorf("check pid %d: %w", pid, err)
	}
	return ok, nil
}
