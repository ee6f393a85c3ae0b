package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config holds all application configuration values.
type Config struct {
	// Serial connection to the split-flap controller
	SerialPort     string
	SerialBaudRate int

	// MQTT
	MQTTBroker           string
	MQTTClientIDPanel    string
	MQTTClientIDConsole  string
	MQTTClientIDDisplay  string
	MQTTClientIDProducer string

	// Topics
	TopicState string // module state snapshots (published)
	TopicText  string // text to show (subscribed)
	TopicLog   string // controller log lines (published)

	// Web Server
	WebServerPort int
	WebRoot       string // static files for the panel UI

	// Panel behaviour
	ForceFullRotations bool
	RumbleInterval     int // milliseconds
	SaveDelay          int // milliseconds between "save" and SaveAllOffsets
	LegacyTimeout      int // milliseconds to wait for a general state before assuming old firmware
	StatePollInterval  int // milliseconds, 0 disables polling

	// Calibration history
	CalibrationDBPath string

	// Status display (SSD1306 over I2C at 0x3C)
	DisplayUpdateInterval int // milliseconds

	// Mock controller (cmd/console)
	MockModules int
}

// Package-level unexported variables for singleton pattern:
//   - globalConfig: only reachable through InitGlobal and Get.
//   - configOnce: ensures InitGlobal() only runs once, even if called multiple times.
//   - configMu: RWMutex protects concurrent access. Write lock for initialization,
//     read lock for Get().
var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Default returns the configuration used for any key the file leaves out.
func Default() *Config {
	return &Config{
		SerialBaudRate:        230400,
		MQTTClientIDPanel:     "splitflap-panel",
		MQTTClientIDConsole:   "splitflap-console-subscriber",
		MQTTClientIDDisplay:   "splitflap-display",
		MQTTClientIDProducer:  "splitflap-producer-mock",
		TopicState:            "splitflap/state",
		TopicText:             "splitflap/text",
		TopicLog:              "splitflap/log",
		WebServerPort:         8080,
		WebRoot:               "web",
		ForceFullRotations:    true,
		RumbleInterval:        100,
		SaveDelay:             200,
		LegacyTimeout:         500,
		CalibrationDBPath:     "splitflap_calibration.db",
		DisplayUpdateInterval: 250,
		MockModules:           6,
	}
}

// Load reads the configuration file and returns a Config struct.
func Load(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	cfg := Default()
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse KEY=VALUE
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := cfg.setValue(key, value); err != nil {
			return nil, fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Validate required fields
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	switch key {
	// Serial
	case "SERIAL_PORT":
		c.SerialPort = value
	case "SERIAL_BAUD_RATE":
		rate, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid SERIAL_BAUD_RATE %q: %w", value, err)
		}
		c.SerialBaudRate = rate

	// MQTT
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID_PANEL":
		c.MQTTClientIDPanel = value
	case "MQTT_CLIENT_ID_CONSOLE":
		c.MQTTClientIDConsole = value
	case "MQTT_CLIENT_ID_DISPLAY":
		c.MQTTClientIDDisplay = value
	case "MQTT_CLIENT_ID_PRODUCER":
		c.MQTTClientIDProducer = value

	// Topics
	case "TOPIC_STATE":
		c.TopicState = value
	case "TOPIC_TEXT":
		c.TopicText = value
	case "TOPIC_LOG":
		c.TopicLog = value

	// Web Server
	case "WEB_SERVER_PORT":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid WEB_SERVER_PORT %q: %w", value, err)
		}
		c.WebServerPort = port
	case "WEB_ROOT":
		c.WebRoot = value

	// Panel behaviour
	case "FORCE_FULL_ROTATIONS":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid FORCE_FULL_ROTATIONS %q: %w", value, err)
		}
		c.ForceFullRotations = b
	case "RUMBLE_INTERVAL":
		interval, err := parseMillis(key, value)
		if err != nil {
			return err
		}
		if interval == 0 {
			return fmt.Errorf("RUMBLE_INTERVAL must be positive")
		}
		c.RumbleInterval = interval
	case "SAVE_DELAY":
		delay, err := parseMillis(key, value)
		if err != nil {
			return err
		}
		c.SaveDelay = delay
	case "LEGACY_TIMEOUT":
		timeout, err := parseMillis(key, value)
		if err != nil {
			return err
		}
		c.LegacyTimeout = timeout
	case "STATE_POLL_INTERVAL":
		interval, err := parseMillis(key, value)
		if err != nil {
			return err
		}
		c.StatePollInterval = interval

	// Calibration history
	case "CALIBRATION_DB_PATH":
		c.CalibrationDBPath = value

	// Display
	case "DISPLAY_UPDATE_INTERVAL":
		interval, err := parseMillis(key, value)
		if err != nil {
			return err
		}
		c.DisplayUpdateInterval = interval

	// Mock
	case "MOCK_MODULES":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid MOCK_MODULES %q: %w", value, err)
		}
		if n < 1 || n > 256 {
			return fmt.Errorf("MOCK_MODULES must be 1-256, got %d", n)
		}
		c.MockModules = n

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}

	return nil
}

func parseMillis(key, value string) (int, error) {
	ms, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if ms < 0 {
		return 0, fmt.Errorf("%s must not be negative, got %d", key, ms)
	}
	return ms, nil
}

// validate checks that all required fields are set.
func (c *Config) validate() error {
	if c.SerialPort == "" {
		return fmt.Errorf("SERIAL_PORT is required")
	}
	if c.SerialBaudRate <= 0 {
		return fmt.Errorf("SERIAL_BAUD_RATE must be positive")
	}
	if c.WebServerPort <= 0 || c.WebServerPort > 65535 {
		return fmt.Errorf("WEB_SERVER_PORT must be 1-65535, got %d", c.WebServerPort)
	}
	return nil
}

// Millis converts one of the millisecond settings to a time.Duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// InitGlobal initializes the global configuration from file.
// Uses sync.Once to ensure this only runs once, even if called multiple times.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(configPath)
	})
	return err
}

// Get returns the global configuration instance.
// InitGlobal must be called first, or this will return nil.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
