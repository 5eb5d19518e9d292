package config

import "github.com/google/uuid"

// Snapshot is an immutable, validated configuration value. It is created
// after validation, published atomically by the Store, and shared with
// in-flight handlers: a request that captured a
// Snapshot at dispatch start keeps using it for its whole lifetime even if
// the Store publishes a newer one mid-request.
type Snapshot struct {
	ID        string
	Main      *MainConfig
	Proxy     *ProxyConfig
	Processes *ProcessesConfig // nil if no process config is configured
}

// newSnapshotID returns a short opaque id used only for log correlation
// (e.g. "which snapshot served this request"), never parsed by callers.
func newSnapshotID() string {
	return uuid.NewString()
}
