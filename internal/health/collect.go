package health

import (
	"bufio"
	"bytes"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemCollector samples host CPU, memory, disk and (when an accelerator is
// present) per-device GPU memory. Individual probe failures drop that metric
// for the tick rather than failing the collection.
func SystemCollector(th Thresholds) Collector {
	hasGPU := func() bool {
		_, err := exec.LookPath("nvidia-smi")
		return err == nil
	}()
	return func() []Metric {
		var out []Metric
		if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
			out = append(out, Metric{Name: "cpu_percent", Value: pcts[0], Threshold: th.CPUPercent, Unit: "%"})
		}
		if vm, err := mem.VirtualMemory(); err == nil {
			out = append(out, Metric{Name: "memory_percent", Value: vm.UsedPercent, Threshold: th.MemoryPercent, Unit: "%"})
		}
		if du, err := disk.Usage("/"); err == nil {
			out = append(out, Metric{Name: "disk_percent", Value: du.UsedPercent, Threshold: th.DiskPercent, Unit: "%"})
		}
		if hasGPU {
			out = append(out, gpuMetrics(th.GPUMemPercent)...)
		}
		return out
	}
}

// gpuMetrics queries nvidia-smi for per-device memory usage.
func gpuMetrics(threshold float64) []Metric {
	out, err := exec.Command("nvidia-smi",
		"--query-gpu=memory.used,memory.total", "--format=csv,noheader,nounits").Output()
	if err != nil {
		return nil
	}
	var metrics []Metric
	sc := bufio.NewScanner(bytes.NewReader(out))
	for i := 0; sc.Scan(); i++ {
		parts := strings.Split(sc.Text(), ",")
		if len(parts) != 2 {
			continue
		}
		used, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		total, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err1 != nil || err2 != nil || total <= 0 {
			continue
		}
		metrics = append(metrics, Metric{
			Name:      fmt.Sprintf("gpu%d_mem_percent", i),
			Value:     used / total * 100,
			Threshold: threshold,
			Unit:      "%",
		})
	}
	return metrics
}
