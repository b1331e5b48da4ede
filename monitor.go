package evloop

import (
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// RaiseFdLimit lifts the soft RLIMIT_NOFILE towards the hard limit so that
// accept bursts are less likely to run into EMFILE.
func RaiseFdLimit(logger zerolog.Logger) {
	limit := &unix.Rlimit{}
	err := unix.Getrlimit(unix.RLIMIT_NOFILE, limit)
	if err != nil {
		logger.Error().Msgf("error occur while getting OS limit of open files: %+v", err)
		return
	}
	if limit.Cur >= limit.Max {
		return
	}
	limit.Cur = limit.Max
	err = unix.Setrlimit(unix.RLIMIT_NOFILE, limit)
	if err != nil {
		logger.Error().Msgf("error occur while setting OS limit of open files: %+v", err)
	}
}
