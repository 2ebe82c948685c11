package chunkstore

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/xferd/xferd/pkg/proto"
)

// EnsureSpace fails with Overflow when the filesystem holding dir cannot
// take need more bytes. A failed capacity check is logged and ignored.
func EnsureSpace(dir string, need int64) error {
	if need <= 0 {
		return nil
	}
	avail, err := AvailableBytes(dir)
	if err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("free space check failed")
		return nil
	}
	if avail < need {
		return fmt.Errorf("%w: need %d bytes in %s, %d available", proto.Overflow, need, dir, avail)
	}
	return nil
}
