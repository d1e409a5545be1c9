//go:build !linux

package procfs

import (
	"fmt"

	"github.com/ppiankov/procwatch/internal/model"
)

// OpenHandle is not supported outside Linux.
func OpenHandle(pid int) (Handle, error) {
	return nil, fmt.Errorf("process handles: %w", model.ErrUnavailable)
}
