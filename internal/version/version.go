// Package version exposes the build metadata stamped in at link time.
package version

import "sync"

// Info carries the fields set through -ldflags by the release build.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

var (
	mu      sync.RWMutex
	current = Info{Version: "dev"}
)

// Set records the build metadata. An empty version falls back to "dev" so
// ad-hoc builds stay identifiable.
func Set(v Info) {
	mu.Lock()
	defer mu.Unlock()
	if v.Version == "" {
		v.Version = "dev"
	}
	current = v
}

// Current returns the metadata recorded at startup.
func Current() Info {
	mu.RLock()
	defer mu.RUnlock()
	return current
}
