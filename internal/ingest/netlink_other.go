//go:build !linux

package ingest

import (
	"context"
	"fmt"

	"github.com/ppiankov/procwatch/internal/model"
)

// Probe always fails: the proc connector is Linux-only.
func (c *ProcConnector) Probe() error {
	return fmt.Errorf("proc connector: %w", model.ErrUnavailable)
}

// Run always fails: the proc connector is Linux-only.
func (c *ProcConnector) Run(ctx context.Context, out Emitter) error {
	return c.Probe()
}
