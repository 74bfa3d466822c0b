package mediastore

import (
	"context"
	"fmt"
)

const (
	DriverMemory = "memory"
	DriverS3     = "s3"
)

// Open constructs the Store selected by driver.
func Open(ctx context.Context, driver string, s3cfg S3Config) (Store, error) {
	switch driver {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverS3:
		return NewS3Store(ctx, s3cfg)
	default:
		return nil, fmt.Errorf("unknown media driver %q", driver)
	}
}
