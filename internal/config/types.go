package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Engine    EngineConfig    `json:"engine,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ServerConfig controls the HTTP API.
//
// All timeouts are Go duration strings (e.g. "500ms", "10s", "1m").
type ServerConfig struct {
	Addr         string `json:"addr,omitempty"` // default ":8080"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// RatePerSec throttles incoming requests across all clients.
	// Zero disables throttling.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	RateBurst  int     `json:"rate_burst,omitempty"`
}

// StorageConfig selects the deployment store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./deployd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SchedulerConfig controls the due-work sweep.
//
// Defaults (when fields are omitted/zero):
//   - enabled: true when the section is omitted entirely
//   - tick_interval: "20s"
type SchedulerConfig struct {
	Enabled *bool `json:"enabled,omitempty"`

	// TickInterval is a Go duration string (e.g. "20s", "1m").
	TickInterval string `json:"tick_interval,omitempty"`
}

// EngineConfig controls deployment execution.
//
// Defaults (when fields are omitted/zero):
//   - max_concurrent: 4
//   - cancel_grace: "10s"
type EngineConfig struct {
	MaxConcurrent int `json:"max_concurrent,omitempty"`

	// DispatchPerSec throttles executor launches. Zero disables throttling.
	DispatchPerSec float64 `json:"dispatch_per_sec,omitempty"`

	// CancelGrace is how long a cancel waits for the executor before forcing
	// the record terminal. Go duration string.
	CancelGrace string `json:"cancel_grace,omitempty"`

	// SimulatedDelay configures the built-in simulated executor.
	SimulatedDelay string `json:"simulated_delay,omitempty"`
}

// SchedulerEnabled resolves the enabled flag with its default.
func (c *Config) SchedulerEnabled() bool {
	if c.Scheduler.Enabled == nil {
		return true
	}
	return *c.Scheduler.Enabled
}
