package reclaim

import (
	"bufio"
	"bytes"
	"os/exec"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"time"
)

// accelerator abstracts the GPU memory probe so tests can run without
// hardware. The zero value means "no accelerator".
type accelerator struct {
	present bool
	usedMB  func() (int, error)
}

// detectAccelerator probes for nvidia-smi on PATH. Absence is not an error;
// GPU steps are simply skipped.
func detectAccelerator() accelerator {
	if _, err := exec.LookPath("nvidia-smi"); err != nil {
		return accelerator{}
	}
	return accelerator{present: true, usedMB: nvidiaUsedMB}
}

func nvidiaUsedMB() (int, error) {
	out, err := exec.Command("nvidia-smi",
		"--query-gpu=memory.used", "--format=csv,noheader,nounits").Output()
	if err != nil {
		return 0, err
	}
	total := 0
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if v, err := strconv.Atoi(strings.TrimSpace(sc.Text())); err == nil {
			total += v
		}
	}
	return total, nil
}

// releaseGPUCache measures accelerator memory across a settle window after
// process termination. The driver returns a dead process's VRAM on its own;
// this step observes and reports the reclaim, retrying in the aggressive
// multi-pass variant until usage stops falling.
func (r *Reclaimer) releaseGPUCache(aggressive bool) (int, error) {
	if !r.gpu.present {
		return 0, nil
	}
	before, err := r.gpu.usedMB()
	if err != nil {
		return 0, err
	}
	passes := 1
	if aggressive {
		passes = 3
	}
	lowest := before
	for i := 0; i < passes; i++ {
		time.Sleep(200 * time.Millisecond)
		used, err := r.gpu.usedMB()
		if err != nil {
			return clampNonNegative(before - lowest), err
		}
		if used >= lowest {
			break // stopped falling
		}
		lowest = used
	}
	return clampNonNegative(before - lowest), nil
}

// hostGC triggers garbage collection and returns heap bytes released back to
// the OS, in MB. Aggressive runs multiple passes with scavenging.
func (r *Reclaimer) hostGC(aggressive bool) int {
	var before runtime.MemStats
	runtime.ReadMemStats(&before)

	runtime.GC()
	if aggressive {
		runtime.GC()
		debug.FreeOSMemory()
	}

	var after runtime.MemStats
	runtime.ReadMemStats(&after)
	freed := int64(before.HeapInuse) - int64(after.HeapInuse)
	return clampNonNegative(int(freed / (1 << 20)))
}

// Stale file patterns left behind by interrupted backend runs.
var stalePatterns = []string{"*.lock", "*.tmp", "*.cache", "*.pid"}

// scanStaleHandles counts stale temp/lock/cache files in the configured scan
// directories. Reporting only: closing is delegated to normal teardown.
func (r *Reclaimer) scanStaleHandles() (int, []string) {
	var count int
	var errs []string
	for _, dir := range r.scanDirs {
		for _, pat := range stalePatterns {
			matches, err := filepath.Glob(filepath.Join(dir, pat))
			if err != nil {
				errs = append(errs, "scan "+dir+": "+err.Error())
				continue
			}
			count += len(matches)
		}
	}
	return count, errs
}

func clampNonNegative(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
