// Package sysinfo samples process and host resource usage.
package sysinfo

import (
	"context"
	"errors"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Sample is one reading of process and host resources.
type Sample struct {
	// Go runtime
	HeapAlloc  uint64 `json:"heap_alloc"`
	HeapSys    uint64 `json:"heap_sys"`
	HeapIdle   uint64 `json:"heap_idle"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
	Goroutines int    `json:"goroutines"`

	// Host. Zero when the platform does not report it.
	MemTotal       uint64  `json:"mem_total"`
	MemAvailable   uint64  `json:"mem_available"`
	MemUsedPercent float64 `json:"mem_used_percent"`
	CPUPercent     float64 `json:"cpu_percent"`
}

// Read returns a sample. Runtime fields are always set. The error reports
// host readings that failed; the sample is still usable.
func Read(ctx context.Context) (Sample, error) {
	s := ReadRuntime()

	var errs []error
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.MemTotal = vm.Total
		s.MemAvailable = vm.Available
		s.MemUsedPercent = vm.UsedPercent
	} else {
		errs = append(errs, err)
	}

	// Interval 0 compares against the previous call.
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		s.CPUPercent = pct[0]
	} else if err != nil {
		errs = append(errs, err)
	}

	return s, errors.Join(errs...)
}

// ReadRuntime samples only the Go runtime.
func ReadRuntime() Sample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	return Sample{
		HeapAlloc:  ms.HeapAlloc,
		HeapSys:    ms.HeapSys,
		HeapIdle:   ms.HeapIdle,
		Sys:        ms.Sys,
		NumGC:      ms.NumGC,
		Goroutines: runtime.NumGoroutine(),
	}
}
