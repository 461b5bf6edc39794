package engine

import (
	"context"
	"fmt"
	"os"

	"condenser/pkg/models"
)

// Candidate device nodes checked by the accelerator probe, in preference
// order. Presence of any is taken as an attached accelerator.
var acceleratorNodes = []string{
	"/dev/accel/accel0",
	"/dev/nvidia0",
	"/dev/dri/renderD128",
}

// probeAccelerator reports whether an accelerator device is reachable.
// CONDENSER_FORCE_CPU=1 disables the probe so deployments can pin CPU
// execution without editing config.
func probeAccelerator() error {
	if os.Getenv("CONDENSER_FORCE_CPU") == "1" {
		return fmt.Errorf("accelerator disabled by CONDENSER_FORCE_CPU")
	}
	for _, node := range acceleratorNodes {
		if _, err := os.Stat(node); err == nil {
			return nil
		}
	}
	return fmt.Errorf("no accelerator device node present")
}

type acceleratorSession struct {
	id         string
	maxContent int
}

func newAcceleratorSession(cfg Config) (Session, error) {
	if err := probeAccelerator(); err != nil {
		return nil, err
	}
	return &acceleratorSession{
		id:         nextSessionID(DeviceAccelerator),
		maxContent: cfg.MaxContentBytes,
	}, nil
}

func (s *acceleratorSession) ID() string     { return s.id }
func (s *acceleratorSession) Device() Device { return DeviceAccelerator }

func (s *acceleratorSession) Execute(ctx context.Context, recs []models.Record) ([]Completion, error) {
	return execute(ctx, s.id, s.maxContent, recs)
}

func (s *acceleratorSession) Close() error { return nil }

type cpuSession struct {
	id         string
	maxContent int
}

func newCPUSession(cfg Config) Session {
	return &cpuSession{id: nextSessionID(DeviceCPU), maxContent: cfg.MaxContentBytes}
}

func (s *cpuSession) ID() string     { return s.id }
func (s *cpuSession) Device() Device { return DeviceCPU }

func (s *cpuSession) Execute(ctx context.Context, recs []models.Record) ([]Completion, error) {
	return execute(ctx, s.id, s.maxContent, recs)
}

func (s *cpuSession) Close() error { return nil }
