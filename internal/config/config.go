package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
	"periph.io/x/periph/conn/physic"

	"github.com/shaunagostinho/gradsense/internal/board"
	"github.com/shaunagostinho/gradsense/internal/recovery"
)

// Config holds host and device configuration. One file serves both
// binaries; each reads the sections it needs.
type Config struct {
	mu sync.RWMutex

	// Serial link to the sensor board (host side)
	Serial SerialConfig `yaml:"serial" json:"serial"`

	// Sensor array (device side)
	Device DeviceConfig `yaml:"device" json:"device"`

	// Live relay
	Server ServerConfig `yaml:"server" json:"server"`

	// CSV recording
	Recorder RecorderConfig `yaml:"recorder" json:"recorder"`

	// MQTT forwarding
	MQTT MQTTConfig `yaml:"mqtt" json:"mqtt"`

	path string // file path for save/load
}

type SerialConfig struct {
	PortPath  string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyACM0
	BaudRate  int    `yaml:"baud_rate" json:"baudRate"`
	SettleMs  int    `yaml:"settle_ms" json:"settleMs"`   // wait after open for a rebooting board
	DrainMs   int    `yaml:"drain_ms" json:"drainMs"`     // discard boot output this long
	TimeoutMs int    `yaml:"timeout_ms" json:"timeoutMs"` // per text reply
	Attempts  int    `yaml:"attempts" json:"attempts"`    // text command retries
	StreamHz  int    `yaml:"stream_hz" json:"streamHz"`   // rate used by serve
	KeepLines bool   `yaml:"keep_lines" json:"keepLines"` // leave DTR/RTS untouched
}

type DeviceConfig struct {
	Nodes           []board.NodeConfig `yaml:"nodes" json:"nodes"`
	Addr            int                `yaml:"addr" json:"addr"`     // 0x14, or 0x15 with ADSEL high
	BusHz           int                `yaml:"bus_hz" json:"busHz"`  // normal bus speed
	Forced          bool               `yaml:"forced" json:"forced"` // one forced measurement per read
	FailThreshold   int                `yaml:"fail_threshold" json:"failThreshold"`
	RecoveryHz      []int              `yaml:"recovery_hz" json:"recoveryHz"`
	UnstickPulses   int                `yaml:"unstick_pulses" json:"unstickPulses"`
	InputPort       string             `yaml:"input_port" json:"inputPort"` // "" = stdin/stdout
	InputBaudRate   int                `yaml:"input_baud_rate" json:"inputBaudRate"`
	SimulateFailure float64            `yaml:"simulate_failure" json:"simulateFailure"` // demo nodes only
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

type RecorderConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	MaxRows int    `yaml:"max_rows" json:"maxRows"` // rotate after this many frames
}

type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Broker   string `yaml:"broker" json:"broker"` // tcp://host:1883
	ClientID string `yaml:"client_id" json:"clientId"`
	Topic    string `yaml:"topic" json:"topic"`
	QoS      int    `yaml:"qos" json:"qos"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Serial: SerialConfig{
			PortPath:  "/dev/ttyACM0",
			BaudRate:  115200,
			SettleMs:  350,
			DrainMs:   250,
			TimeoutMs: 1500,
			Attempts:  3,
			StreamHz:  20,
		},
		Device: DeviceConfig{
			Nodes:         defaultNodes(),
			Addr:          0x14,
			BusHz:         100_000,
			FailThreshold: 3,
			RecoveryHz:    []int{50_000, 80_000, 100_000},
			UnstickPulses: 9,
			InputBaudRate: 115200,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		Recorder: RecorderConfig{
			Enabled: false,
			Path:    "/var/log/gradsense",
			MaxRows: 100_000,
		},
		MQTT: MQTTConfig{
			Enabled:  false,
			Broker:   "tcp://localhost:1883",
			ClientID: "gradsense",
			Topic:    "gradsense/frames",
			QoS:      0,
		},
	}
}

// defaultNodes keeps the physical wiring order: one i2c-gpio bus per node.
func defaultNodes() []board.NodeConfig {
	nodes := make([]board.NodeConfig, 6)
	for i := range nodes {
		nodes[i] = board.NodeConfig{
			Name: fmt.Sprintf("node%d", i),
			Bus:  strconv.Itoa(10 + i),
			SDA:  fmt.Sprintf("GPIO%d", 2*i+1),
			SCL:  fmt.Sprintf("GPIO%d", 2*i),
		}
	}
	return nodes
}

// Load reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func Load(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: SENSOR_PORT, SENSOR_BAUD, STREAM_HZ, LISTEN_ADDR, REC_ENABLED,
// REC_PATH, MQTT_ENABLED, MQTT_BROKER, MQTT_TOPIC, FAIL_THRESHOLD, INPUT_PORT
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SENSOR_PORT"); v != "" {
		c.Serial.PortPath = v
	}
	if v := os.Getenv("SENSOR_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Serial.BaudRate = n
		}
	}
	if v := os.Getenv("STREAM_HZ"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Serial.StreamHz = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("REC_ENABLED"); v != "" {
		c.Recorder.Enabled = truthy(v)
	}
	if v := os.Getenv("REC_PATH"); v != "" {
		c.Recorder.Path = v
	}
	if v := os.Getenv("MQTT_ENABLED"); v != "" {
		c.MQTT.Enabled = truthy(v)
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_TOPIC"); v != "" {
		c.MQTT.Topic = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv("FAIL_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Device.FailThreshold = n
		}
	}
	if v := os.Getenv("INPUT_PORT"); v != "" {
		c.Device.InputPort = v
	}
}

func truthy(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// Settle, Drain and Timeout convert the millisecond settings.
func (s SerialConfig) Settle() time.Duration  { return time.Duration(s.SettleMs) * time.Millisecond }
func (s SerialConfig) Drain() time.Duration   { return time.Duration(s.DrainMs) * time.Millisecond }
func (s SerialConfig) Timeout() time.Duration { return time.Duration(s.TimeoutMs) * time.Millisecond }

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		c.path = "/etc/gradsense/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}

// Policy builds the fault recovery policy from the device section.
func (d DeviceConfig) Policy() recovery.Policy {
	p := recovery.DefaultPolicy()
	if d.FailThreshold > 0 {
		p.Threshold = d.FailThreshold
	}
	if d.UnstickPulses > 0 {
		p.Pulses = d.UnstickPulses
	}
	if len(d.RecoveryHz) > 0 {
		p.Speeds = make([]physic.Frequency, len(d.RecoveryHz))
		for i, hz := range d.RecoveryHz {
			p.Speeds[i] = physic.Frequency(hz) * physic.Hertz
		}
	}
	return p
}

// Board converts the device section into an array description.
func (d DeviceConfig) Board(lg *log.Logger) board.Config {
	return board.Config{
		Nodes:  d.Nodes,
		Addr:   uint16(d.Addr),
		BusHz:  d.BusHz,
		Forced: d.Forced,
		Policy: d.Policy(),
		Log:    lg,
	}
}

// Recording reports whether CSV recording is switched on.
func (c *Config) Recording() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Recorder.Enabled
}
