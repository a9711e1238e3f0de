// Package types holds the driver's configuration surface and a handful of
// small value types shared across packages that would otherwise import
// each other in a cycle.
package types

import (
	"encoding/json"
	"os"
)

// Config is the root configuration for a driver process. It loads the same
// way the original teacher's Config did: an embedded JSON default, an
// os.ExpandEnv pass, then explicit per-field environment overrides.
type Config struct {
	Driver  DriverConfig  `json:"driver"`
	Control ControlConfig `json:"control"`
	Network NetworkConfig `json:"network"`
	Metrics MetricsConfig `json:"metrics"`
	EventBus EventBusConfig `json:"eventBus"`
	Debug   DebugConfig   `json:"debug"`
}

// DriverConfig carries the timeouts and sizing knobs named in spec.md §5.
type DriverConfig struct {
	AeronDir                     string `json:"aeronDir"`
	TermLengthBytes              int    `json:"termLengthBytes"`
	MTULength                    int    `json:"mtuLength"`
	ClientLivenessTimeoutNs      int64  `json:"clientLivenessTimeoutNs"`
	ImageLivenessTimeoutNs       int64  `json:"imageLivenessTimeoutNs"`
	PublicationUnblockTimeoutNs  int64  `json:"publicationUnblockTimeoutNs"`
	PublicationSetupTimeoutNs    int64  `json:"publicationSetupTimeoutNs"`
	PublicationHeartbeatTimeoutNs int64 `json:"publicationHeartbeatTimeoutNs"`
	StatusMessageTimeoutNs       int64  `json:"statusMessageTimeoutNs"`
	RTTMeasurementTimeoutNs      int64  `json:"rttMeasurementTimeoutNs"`
	PublicationLingerNs          int64  `json:"publicationLingerNs"`
	PublicationConnectionTimeoutMs int64 `json:"publicationConnectionTimeoutMs"`
	TimerIntervalNs              int64  `json:"timerIntervalNs"`
	CommandDrainLimit            int    `json:"commandDrainLimit"`
}

// ControlConfig describes the control file and its ring buffers (spec.md §6).
type ControlConfig struct {
	Dir                 string `json:"dir"`
	ToDriverBufferBytes  int    `json:"toDriverBufferBytes"`
	ToClientsBufferBytes int    `json:"toClientsBufferBytes"`
	CounterValuesBytes   int    `json:"counterValuesBytes"`
	CounterMetadataBytes int    `json:"counterMetadataBytes"`
	ErrorLogBytes        int    `json:"errorLogBytes"`
}

// NetworkConfig holds UDP socket sizing and MDC defaults.
type NetworkConfig struct {
	SendSocketBufferBytes    int `json:"sendSocketBufferBytes"`
	ReceiveSocketBufferBytes int `json:"receiveSocketBufferBytes"`
	DefaultMulticastTTL      int `json:"defaultMulticastTtl"`
}

// MetricsConfig toggles the Prometheus + gopsutil ambient stack.
type MetricsConfig struct {
	EnablePrometheus bool   `json:"enablePrometheus"`
	ListenAddr       string `json:"listenAddr"`
	Path             string `json:"path"`
	UpdateIntervalMs int    `json:"updateIntervalMs"`
}

// EventBusConfig is optional NATS fan-out of lifecycle events; URL == ""
// disables it entirely.
type EventBusConfig struct {
	URL             string `json:"url"`
	Subject         string `json:"subject"`
	MaxReconnects   int    `json:"maxReconnects"`
	ReconnectWaitMs int    `json:"reconnectWaitMs"`
}

// DebugConfig is the optional local operator HTTP+WS surface.
type DebugConfig struct {
	Enabled    bool   `json:"enabled"`
	ListenAddr string `json:"listenAddr"`
}

const defaultConfigJSON = `{
  "driver": {
    "aeronDir": "/dev/shm/aeron-mediadriver",
    "termLengthBytes": 16777216,
    "mtuLength": 1408,
    "clientLivenessTimeoutNs": 5000000000,
    "imageLivenessTimeoutNs": 10000000000,
    "publicationUnblockTimeoutNs": 15000000000,
    "publicationSetupTimeoutNs": 100000000,
    "publicationHeartbeatTimeoutNs": 100000000,
    "statusMessageTimeoutNs": 200000000,
    "rttMeasurementTimeoutNs": 1000000000,
    "publicationLingerNs": 5000000000,
    "publicationConnectionTimeoutMs": 5000,
    "timerIntervalNs": 1000000000,
    "commandDrainLimit": 10
  },
  "control": {
    "dir": "/dev/shm/aeron-mediadriver/cnc",
    "toDriverBufferBytes": 1048576,
    "toClientsBufferBytes": 1048576,
    "counterValuesBytes": 1048576,
    "counterMetadataBytes": 4194304,
    "errorLogBytes": 1048576
  },
  "network": {
    "sendSocketBufferBytes": 2097152,
    "receiveSocketBufferBytes": 2097152,
    "defaultMulticastTtl": 1
  },
  "metrics": {
    "enablePrometheus": true,
    "listenAddr": "0.0.0.0:9404",
    "path": "/metrics",
    "updateIntervalMs": 1000
  },
  "eventBus": {
    "url": "",
    "subject": "aeron.mediadriver.events",
    "maxReconnects": 10,
    "reconnectWaitMs": 1000
  },
  "debug": {
    "enabled": false,
    "listenAddr": "127.0.0.1:9405"
  }
}`

// Load reads configuration from path, or the embedded default when path is
// empty, expands environment references, then applies explicit per-field
// overrides, mirroring the teacher's cmd/main.go loadConfig.
func Load(path string) (*Config, error) {
	var raw []byte
	var err error

	if path != "" {
		raw, err = os.ReadFile(path)
		if err != nil {
			return nil, err
		}
	} else {
		raw = []byte(defaultConfigJSON)
	}

	raw = []byte(os.ExpandEnv(string(raw)))

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides lets deployment tooling override the handful of
// settings that are commonly templated per-host without editing the
// config file, same role as the teacher's applyEnvOverrides.
func applyEnvOverrides(cfg *Config) {
	if dir := os.Getenv("AERON_DIR"); dir != "" {
		cfg.Driver.AeronDir = dir
	}
	if url := os.Getenv("EVENTBUS_URL"); url != "" {
		cfg.EventBus.URL = url
	}
	if addr := os.Getenv("METRICS_LISTEN_ADDR"); addr != "" {
		cfg.Metrics.ListenAddr = addr
	}
	if v := os.Getenv("ENABLE_PROMETHEUS"); v == "false" {
		cfg.Metrics.EnablePrometheus = false
	} else if v == "true" {
		cfg.Metrics.EnablePrometheus = true
	}
	if v := os.Getenv("DEBUG_SERVER_ENABLED"); v == "true" {
		cfg.Debug.Enabled = true
	} else if v == "false" {
		cfg.Debug.Enabled = false
	}
}
