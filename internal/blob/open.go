// Package blob opens the archive store export artifacts are written to.
package blob

import (
	"context"
	"fmt"

	"custodyledger/internal/blob/core"
	"custodyledger/internal/infra/blob/fs"
	"custodyledger/internal/infra/blob/memory"
	"custodyledger/internal/infra/blob/s3"
)

// Config selects and parameterises the blob driver.
type Config struct {
	Driver core.Driver
	FSRoot string
	S3     s3.Config
}

// Open constructs the configured store. Defaults to the filesystem driver.
func Open(ctx context.Context, cfg Config) (core.Store, error) {
	switch cfg.Driver {
	case "", core.DriverFilesystem:
		return fs.New(cfg.FSRoot)
	case core.DriverMemory:
		return memory.New(), nil
	case core.DriverS3:
		return s3.New(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown blob driver %s", cfg.Driver)
	}
}
