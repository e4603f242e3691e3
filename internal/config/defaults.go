package config

import "time"

// DefaultAddr is the default listen address for the HTTP/WebSocket server.
const DefaultAddr = "127.0.0.1:7080"

// ControlSocketOff disables the control socket.
const ControlSocketOff = "off"

// Transport kinds accepted by the transport key.
const (
	TransportWS   = "ws"
	TransportExec = "exec"
)

// Defaults used when the config file and flags leave a field unset.
const (
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "console"
	DefaultTransport       = TransportWS
	DefaultBridgeURL       = "ws://127.0.0.1:7090/bridge"
	DefaultArtifactTTL     = 60 * time.Second
	DefaultMaxRetries      = 5
	DefaultRetryInitial    = time.Second
	DefaultRetryMax        = 30 * time.Second
	DefaultRetryMultiplier = 2.0
	DefaultMaxSessions     = 100
	DefaultStartRatePerSec = 20
)
