package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const DefaultSerialBaud = 115200

// ConnectionConfig holds board serial link parameters.
type ConnectionConfig struct {
	SerialPort string `json:"serial_port"`
	SerialBaud int    `json:"serial_baud"`
}

// DstatConfig holds the D-Stat remote acquisition settings. URI is read only
// at the moment a new acquisition session is created.
type DstatConfig struct {
	URI           string   `json:"uri"`
	LaunchCommand []string `json:"launch_command"`
}

// FirmwareConfig points at the local firmware image tree.
type FirmwareConfig struct {
	ImageDir string `json:"image_dir"`
}

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level     string `json:"level"`
	LogToFile bool   `json:"log_to_file"`
}

// AppConfig is the root persisted application configuration.
type AppConfig struct {
	Connection ConnectionConfig `json:"connection"`
	Dstat      DstatConfig      `json:"dstat"`
	Firmware   FirmwareConfig   `json:"firmware"`
	Logging    LoggingConfig    `json:"logging"`
}

func Default() AppConfig {
	return AppConfig{
		Connection: ConnectionConfig{
			SerialPort: "",
			SerialBaud: DefaultSerialBaud,
		},
		Dstat: DstatConfig{
			URI:           "",
			LaunchCommand: nil,
		},
		Firmware: FirmwareConfig{
			ImageDir: "",
		},
		Logging: LoggingConfig{
			Level:     "info",
			LogToFile: false,
		},
	}
}

func Load(path string) (AppConfig, error) {
	cfg := Default()
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path is resolved by the app runtime inside the user config dir.
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("decode config json: %w", err)
	}

	cfg.FillMissingDefaults()

	return cfg, nil
}

func (c *AppConfig) FillMissingDefaults() {
	if c.Connection.SerialBaud <= 0 {
		c.Connection.SerialBaud = DefaultSerialBaud
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c AppConfig) Validate() error {
	if c.Connection.SerialBaud <= 0 {
		return errors.New("serial baud must be positive")
	}
	if uri := strings.TrimSpace(c.Dstat.URI); uri != "" && !strings.HasPrefix(uri, "tcp://") {
		return fmt.Errorf("dstat uri must be a tcp:// endpoint: %q", uri)
	}

	return nil
}

func Save(path string, cfg AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config: %w", err)
	}

	return nil
}
