package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "meshlink"
	// DataDirEnv overrides the data directory.
	DataDirEnv = "MESHLINK_DATA_DIR"
	// EnvFileName is loaded from the working directory before resolving the data dir.
	EnvFileName = ".env"

	DefaultTCPListenAddress       = ":7420"
	DefaultQUICListenAddress      = ":7421"
	DefaultWebSocketListenAddress = ":7422"

	DefaultTTL                     = 5
	DefaultMaxHops                 = 10
	DefaultHeartbeatIntervalSecs   = 30
	DefaultDeadNodeCheckSecs       = 60
	DefaultMaintenanceIntervalSecs = 15
	DefaultOfflineFlushDelayMillis = 200

	configFileName = "config.json"
)

// Peer address schemes accepted in BootstrapPeers.
const (
	SchemeTCP       = "tcp"
	SchemeQUIC      = "quic"
	SchemeWebSocket = "ws"
)

// ListenerConfig enables one transport and selects its listen address.
type ListenerConfig struct {
	Enabled       bool   `json:"enabled"`
	ListenAddress string `json:"listen_address"`
}

// TransportConfig lists the link transports this device runs.
type TransportConfig struct {
	TCP       ListenerConfig `json:"tcp"`
	QUIC      ListenerConfig `json:"quic"`
	WebSocket ListenerConfig `json:"websocket"`
}

// DiscoveryConfig controls LAN peer discovery.
type DiscoveryConfig struct {
	MDNS bool `json:"mdns"`
}

// MeshConfig holds routing and delivery tunables.
type MeshConfig struct {
	DefaultTTL                 int `json:"default_ttl"`
	MaxHops                    int `json:"max_hops"`
	HeartbeatIntervalSeconds   int `json:"heartbeat_interval_seconds"`
	DeadNodeCheckSeconds       int `json:"dead_node_check_seconds"`
	MaintenanceIntervalSeconds int `json:"maintenance_interval_seconds"`
	OfflineFlushDelayMillis    int `json:"offline_flush_delay_millis"`
	BatteryLevel               int `json:"battery_level"`
}

// LogConfig selects logger level, format and optional file.
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	File   string `json:"file"`
}

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID             string          `json:"device_id"`
	DeviceName           string          `json:"device_name"`
	X25519PrivateKeyPath string          `json:"x25519_private_key_path"`
	Transports           TransportConfig `json:"transports"`
	Discovery            DiscoveryConfig `json:"discovery"`
	BootstrapPeers       []string        `json:"bootstrap_peers"`
	Mesh                 MeshConfig      `json:"mesh"`
	Log                  LogConfig       `json:"log"`
}

// LoadEnvFile loads EnvFileName from the working directory if it exists.
// Variables already present in the environment win.
func LoadEnvFile() error {
	if _, err := os.Stat(EnvFileName); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat env file: %w", err)
	}
	if err := godotenv.Load(EnvFileName); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If MESHLINK_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		filepath.Join(dataDir, "logs"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate loads the env file, resolves the data directory and returns
// the config stored there, creating it on first run.
func LoadOrCreate() (*DeviceConfig, string, error) {
	if err := LoadEnvFile(); err != nil {
		return nil, "", err
	}
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	return LoadOrCreateAt(dataDir)
}

// LoadOrCreateAt ensures directories and config exist under dataDir.
func LoadOrCreateAt(dataDir string) (*DeviceConfig, string, error) {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

// ParsePeerAddress splits a bootstrap entry such as tcp://10.0.0.2:7420 into
// its scheme and host:port.
func ParsePeerAddress(raw string) (string, string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("parse peer address %q: %w", raw, err)
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case SchemeTCP, SchemeQUIC, SchemeWebSocket:
	default:
		return "", "", fmt.Errorf("parse peer address %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("parse peer address %q: missing host", raw)
	}
	return scheme, u.Host, nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	cfg := &DeviceConfig{
		DeviceID:   uuid.NewString(),
		DeviceName: defaultDeviceName(),
		Transports: TransportConfig{
			TCP:       ListenerConfig{Enabled: true, ListenAddress: DefaultTCPListenAddress},
			QUIC:      ListenerConfig{Enabled: false, ListenAddress: DefaultQUICListenAddress},
			WebSocket: ListenerConfig{Enabled: false, ListenAddress: DefaultWebSocketListenAddress},
		},
		Discovery: DiscoveryConfig{MDNS: true},
		Log:       LogConfig{Level: "info"},
	}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "meshlink device"
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false
	setString := func(field *string, value string) {
		if *field == "" {
			*field = value
			updated = true
		}
	}
	setInt := func(field *int, value int) {
		if *field <= 0 {
			*field = value
			updated = true
		}
	}

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}
	setString(&cfg.DeviceName, defaultDeviceName())
	setString(&cfg.X25519PrivateKeyPath, filepath.Join(dataDir, "keys", "x25519_private.pem"))

	setString(&cfg.Transports.TCP.ListenAddress, DefaultTCPListenAddress)
	setString(&cfg.Transports.QUIC.ListenAddress, DefaultQUICListenAddress)
	setString(&cfg.Transports.WebSocket.ListenAddress, DefaultWebSocketListenAddress)

	setInt(&cfg.Mesh.DefaultTTL, DefaultTTL)
	setInt(&cfg.Mesh.MaxHops, DefaultMaxHops)
	setInt(&cfg.Mesh.HeartbeatIntervalSeconds, DefaultHeartbeatIntervalSecs)
	setInt(&cfg.Mesh.DeadNodeCheckSeconds, DefaultDeadNodeCheckSecs)
	setInt(&cfg.Mesh.MaintenanceIntervalSeconds, DefaultMaintenanceIntervalSecs)
	setInt(&cfg.Mesh.OfflineFlushDelayMillis, DefaultOfflineFlushDelayMillis)
	if cfg.Mesh.BatteryLevel <= 0 || cfg.Mesh.BatteryLevel > 100 {
		cfg.Mesh.BatteryLevel = 100
		updated = true
	}

	setString(&cfg.Log.Level, "info")

	return updated
}
