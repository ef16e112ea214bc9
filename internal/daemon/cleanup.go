package daemon

import (
	"os"

	"github.com/bft-labs/rtcms/pkg/log"
)

// removeStale deletes shared memory files recorded by a previous daemon
// that is no longer running. It returns the number of files removed.
func removeStale(prev Snapshot, logger log.Logger) int {
	if prev.PID == 0 || prev.PID == os.Getpid() || processAlive(prev.PID) {
		return 0
	}
	removed := 0
	for _, seg := range prev.Segments {
		if seg.Path == "" {
			continue
		}
		err := os.Remove(seg.Path)
		switch {
		case err == nil:
			removed++
			logger.Info("removed stale segment",
				log.String("buffer", seg.Buffer), log.String("path", seg.Path), log.Int("pid", prev.PID))
		case os.IsNotExist(err):
		default:
			logger.Warn("cannot remove stale segment", log.String("path", seg.Path), log.Err(err))
		}
	}
	return removed
}
