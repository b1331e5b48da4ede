package evloop

import (
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// setConnSocketOptions prepares an accepted or outbound stream socket for
// the non-blocking dispatch path.
func setConnSocketOptions(fd int, logger zerolog.Logger) {
	err := unix.SetNonblock(fd, true)
	if err != nil {
		logger.Error().Msgf("got error while setting socket option O_NONBLOCK: %+v", err)
	}
	err = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	if err != nil {
		logger.Error().Msgf("got error while setting socket option TCP_NODELAY: %+v", err)
	}
	err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	if err != nil {
		logger.Error().Msgf("got error while setting socket option SO_KEEPALIVE: %+v", err)
	}
}

func setListenSocketOptions(fd int, logger zerolog.Logger) {
	err := unix.SetNonblock(fd, true)
	if err != nil {
		logger.Error().Msgf("got error while setting socket option O_NONBLOCK: %+v", err)
	}
	err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err != nil {
		logger.Error().Msgf("got error while setting socket option SO_REUSEADDR: %+v", err)
	}
}
