package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 16 << 10 // 16 KiB

	defaultSendQueueSize = 64
	minSendQueueSize     = 8

	// Upper bound for the best-effort delivery log write after a notification fan-out.
	defaultDeliveryTimeout = 2 * time.Second
)

// Heartbeat defaults.
const (
	DefaultHeartbeatTimeout       = 300 * time.Second
	DefaultHeartbeatSweepInterval = 300 * time.Second
)
