// Package sysinfo reads host memory so large mask sets are refused before
// they are decoded, and so the status endpoint can report headroom.
package sysinfo

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/mem"
)

// ErrInsufficientMemory is wrapped by MemoryError.
var ErrInsufficientMemory = errors.New("insufficient memory")

// Memory is a snapshot of host memory.
type Memory struct {
	Total       uint64  `json:"total"`
	Available   uint64  `json:"available"`
	UsedPercent float64 `json:"usedPercent"`
}

func (m Memory) String() string {
	return fmt.Sprintf("%s available of %s (%.1f%% used)",
		humanize.IBytes(m.Available), humanize.IBytes(m.Total), m.UsedPercent)
}

// ReadMemory queries the host.
func ReadMemory(ctx context.Context) (Memory, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Memory{}, fmt.Errorf("read host memory: %w", err)
	}
	return Memory{Total: vm.Total, Available: vm.Available, UsedPercent: vm.UsedPercent}, nil
}

// AvailableMemory has the shape of session.MemoryProbe.
func AvailableMemory(ctx context.Context) (uint64, error) {
	m, err := ReadMemory(ctx)
	if err != nil {
		return 0, err
	}
	return m.Available, nil
}

// MemoryError reports a load that would not fit.
type MemoryError struct {
	Need uint64
	Have uint64
}

func (e *MemoryError) Error() string {
	return fmt.Sprintf("need %s, only %s available", humanize.IBytes(e.Need), humanize.IBytes(e.Have))
}

func (e *MemoryError) Unwrap() error { return ErrInsufficientMemory }

// Reserve is the share of available memory a single load may use.
const Reserve = 0.8

// Check fails when need exceeds Reserve of have.
func Check(need, have uint64) error {
	if float64(need) > float64(have)*Reserve {
		return &MemoryError{Need: need, Have: have}
	}
	return nil
}

// Bytes formats n for log lines.
func Bytes(n uint64) string { return humanize.IBytes(n) }
