//go:build !windows

package chunkstore

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// AvailableBytes returns the bytes available to unprivileged writers on the
// filesystem holding path.
func AvailableBytes(path string) (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	// Bsize is int64 on linux but uint32 on darwin — suppress unconvert for portability.
	bsize := int64(stat.Bsize) //nolint:unconvert
	return int64(stat.Bavail) * bsize, nil
}
