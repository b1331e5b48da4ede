package evloop

import (
	"net"
	"strconv"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

const resolveCacheTTL = time.Minute

// resolver turns host strings into socket addresses for listening and for
// outbound opens. Results are cached so repeated opens to the same target do
// not pay for getaddrinfo on every call.
type resolver struct {
	log   zerolog.Logger
	cache *ristretto.Cache
}

func newResolver(logger zerolog.Logger) (*resolver, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1 << 12,
		MaxCost:     1 << 10,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &resolver{log: logger, cache: cache}, nil
}

func (r *resolver) close() {
	r.cache.Close()
}

// lookupTCP resolves hostname into one or more socket addresses carrying
// port. An empty hostname stands for all interfaces.
func (r *resolver) lookupTCP(hostname string, port uint16) ([]unix.Sockaddr, error) {
	key := hostname + ":" + strconv.Itoa(int(port))
	if cached, ok := r.cache.Get(key); ok {
		if r.log.Debug().Enabled() {
			r.log.Debug().Msgf("resolved %s from cache", key)
		}
		return cached.([]unix.Sockaddr), nil
	}
	var ips []net.IP
	switch {
	case hostname == "":
		ips = []net.IP{net.IPv4zero}
	default:
		if ip := net.ParseIP(hostname); ip != nil {
			ips = []net.IP{ip}
		} else {
			resolved, err := net.LookupIP(hostname)
			if err != nil {
				return nil, err
			}
			ips = resolved
		}
	}
	addrs := make([]unix.Sockaddr, 0, len(ips))
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			sa := &unix.SockaddrInet4{Port: int(port)}
			copy(sa.Addr[:], v4)
			addrs = append(addrs, sa)
		} else if v6 := ip.To16(); v6 != nil {
			sa := &unix.SockaddrInet6{Port: int(port)}
			copy(sa.Addr[:], v6)
			addrs = append(addrs, sa)
		}
	}
	if len(addrs) == 0 {
		return nil, ErrNotFound
	}
	r.cache.SetWithTTL(key, addrs, int64(len(addrs)), resolveCacheTTL)
	return addrs, nil
}
