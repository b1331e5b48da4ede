package evloop

// ConnectionStats is a point-in-time snapshot of one connection's traffic.
type ConnectionStats struct {
	LastActivityTime   int64
	TotalSentBytes     uint64
	TotalReceivedBytes uint64
}
