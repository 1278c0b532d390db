package ptyexec

import (
	"context"
	"fmt"
	"math"

	"github.com/shirou/gopsutil/v4/process"

	"taskdeck/internal/protocol"
)

// ProcessProber inspects processes this server did not spawn.
type ProcessProber interface {
	Exists(ctx context.Context, pid int) (bool, error)
	Terminate(ctx context.Context, pid int) error
}

// SystemProber answers from the host process table.
type SystemProber struct{}

func (SystemProber) Exists(ctx context.Context, pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	if pid > math.MaxInt32 {
		return false, fmt.Errorf("pid %d out of range: %w", pid, protocol.ErrInvalidSpec)
	}
	return process.PidExistsWithContext(ctx, int32(pid))
}

func (SystemProber) Terminate(ctx context.Context, pid int) error {
	if pid <= 0 || pid > math.MaxInt32 {
		return fmt.Errorf("pid %d out of range: %w", pid, protocol.ErrInvalidSpec)
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return err
	}
	return p.TerminateWithContext(ctx)
}
