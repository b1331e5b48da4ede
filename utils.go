package evloop

import (
	"net"

	"golang.org/x/sys/unix"
)

// sockaddrHost formats the numeric host of a socket address. Reverse name
// resolution would block the dispatch goroutine, so the numeric form is used
// wherever a remote hostname is reported.
func sockaddrHost(sa unix.Sockaddr) string {
	switch t := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(t.Addr[:]).String()
	case *unix.SockaddrInet6:
		return net.IP(t.Addr[:]).String()
	}
	return ""
}

func sockaddrFamily(sa unix.Sockaddr) int {
	if _, ok := sa.(*unix.SockaddrInet6); ok {
		return unix.AF_INET6
	}
	return unix.AF_INET
}
