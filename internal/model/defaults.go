package model

import "time"

// Shared defaults used by the server, the hub client and the CLI.
const (
	DefaultHubPort           = "8443"
	DefaultListenPort        = 8080
	DefaultRequestTimeout    = 10 * time.Second
	DefaultHeartbeatTimeout  = 60 * time.Second
	DefaultBackoffInitial    = 1 * time.Second
	DefaultBackoffMax        = 2 * time.Minute
	DefaultBackoffMultiplier = 2.0
	DefaultBackoffJitter     = 0.2
	DefaultMaxMalformed      = 10
)
