package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/seantiz/foundry/internal/model"
)

const (
	defaultListenAddr        = ":8080"
	defaultDBPath            = "foundry.db"
	defaultDevicesFile       = "devices.yaml"
	defaultEnvFile           = ".env"
	defaultTimeoutMultiplier = 1.0
	defaultProgressInterval  = time.Second
	defaultConsoleUser       = "root"
	defaultConsolePassword   = "chip"
	defaultConsoleBaud       = 115200
	defaultHostnameStart     = 1
	defaultHostnameLog       = "hostnames.tsv"
	defaultMockFailureRate   = 0.1

	envListenAddr          = "FOUNDRY_LISTEN_ADDR"
	envDBPath              = "FOUNDRY_DB_PATH"
	envLogLevel            = "FOUNDRY_LOG_LEVEL"
	envDevicesFile         = "FOUNDRY_DEVICES_FILE"
	envEnvFile             = "FOUNDRY_ENV_FILE"
	envTimeoutMultiplier   = "FOUNDRY_TIMEOUT_MULTIPLIER"
	envProgressInterval    = "FOUNDRY_PROGRESS_INTERVAL"
	envAcquireTimeout      = "FOUNDRY_ACQUIRE_TIMEOUT"
	envMaxSessions         = "FOUNDRY_MAX_SESSIONS"
	envFlashTool           = "FOUNDRY_FLASH_TOOL"
	envFirmwareDir         = "FOUNDRY_FIRMWARE_DIR"
	envImageInfo           = "FOUNDRY_IMAGE_INFO"
	envFELAttempts         = "FOUNDRY_FEL_ATTEMPTS"
	envFELStageTimeout     = "FOUNDRY_FEL_STAGE_TIMEOUT"
	envUBIStageTimeout     = "FOUNDRY_UBI_STAGE_TIMEOUT"
	envSerialAttempts      = "FOUNDRY_SERIAL_ATTEMPTS"
	envConsoleUser         = "FOUNDRY_CONSOLE_USER"
	envConsolePassword     = "FOUNDRY_CONSOLE_PASSWORD"
	envConsoleBaud         = "FOUNDRY_CONSOLE_BAUD"
	envWifiSSID            = "FOUNDRY_WIFI_SSID"
	envWifiPassword        = "FOUNDRY_WIFI_PASSWORD"
	envRepoURL             = "FOUNDRY_REPO_URL"
	envProjectDir          = "FOUNDRY_PROJECT_DIR"
	envSerialNumberCommand = "FOUNDRY_SERIAL_NUMBER_COMMAND"
	envHostnameFormat      = "FOUNDRY_HOSTNAME_FORMAT"
	envHostnameStart       = "FOUNDRY_HOSTNAME_START"
	envHostnameAddSlot     = "FOUNDRY_HOSTNAME_ADD_SLOT"
	envHostnameLog         = "FOUNDRY_HOSTNAME_LOG"
	envMock                = "FOUNDRY_MOCK"
	envMockFailureRate     = "FOUNDRY_MOCK_FAILURE_RATE"
	envMockUnit            = "FOUNDRY_MOCK_UNIT"
)

// Config holds application configuration loaded from environment variables.
// Zero values in the suite sections mean "use the suite default".
type Config struct {
	ListenAddr  string
	DBPath      string
	LogLevel    slog.Level
	DevicesFile string

	TimeoutMultiplier float64
	ProgressInterval  time.Duration
	AcquireTimeout    time.Duration
	MaxSessions       int

	Flash   FlashConfig
	Fixture FixtureConfig

	// Mock registers the mock suite in place of hardware suites.
	Mock            bool
	MockFailureRate float64
	// MockUnit is the sleep of the first mock stage. Zero uses the suite
	// default.
	MockUnit time.Duration
}

// FlashConfig configures the flash suite.
type FlashConfig struct {
	Tool         string
	FirmwareDir  string
	ImageInfo    string
	FELAttempts  int
	StageTimeout time.Duration
	UBITimeout   time.Duration
}

// FixtureConfig configures the fixture suite and its console.
type FixtureConfig struct {
	SerialAttempts int

	ConsoleUser     string
	ConsolePassword string
	ConsoleBaud     int

	WifiSSID            string
	WifiPassword        string
	RepoURL             string
	ProjectDir          string
	SerialNumberCommand string

	HostnameFormat  string
	HostnameStart   int
	HostnameAddSlot bool
	HostnameLog     string
}

// EnvFile returns the dotenv file to preload, from FOUNDRY_ENV_FILE.
func EnvFile() string {
	if v := os.Getenv(envEnvFile); v != "" {
		return v
	}
	return defaultEnvFile
}

// LoadEnvFile loads environment variables from path without overriding
// variables already set. A missing file is ignored.
func LoadEnvFile(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed numbers and durations fall back to their defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:        defaultListenAddr,
		DBPath:            defaultDBPath,
		LogLevel:          slog.LevelInfo,
		DevicesFile:       defaultDevicesFile,
		TimeoutMultiplier: defaultTimeoutMultiplier,
		ProgressInterval:  defaultProgressInterval,
		Fixture: FixtureConfig{
			ConsoleUser:     defaultConsoleUser,
			ConsolePassword: defaultConsolePassword,
			ConsoleBaud:     defaultConsoleBaud,
			HostnameStart:   defaultHostnameStart,
			HostnameLog:     defaultHostnameLog,
		},
		MockFailureRate: defaultMockFailureRate,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envDevicesFile); v != "" {
		cfg.DevicesFile = v
	}

	if f := envFloat(envTimeoutMultiplier, cfg.TimeoutMultiplier); f > 0 {
		cfg.TimeoutMultiplier = f
	}
	cfg.ProgressInterval = envDuration(envProgressInterval, cfg.ProgressInterval)
	cfg.AcquireTimeout = envDuration(envAcquireTimeout, cfg.AcquireTimeout)
	cfg.MaxSessions = envInt(envMaxSessions, cfg.MaxSessions)

	cfg.Flash.Tool = os.Getenv(envFlashTool)
	cfg.Flash.FirmwareDir = os.Getenv(envFirmwareDir)
	cfg.Flash.ImageInfo = os.Getenv(envImageInfo)
	cfg.Flash.FELAttempts = envInt(envFELAttempts, 0)
	cfg.Flash.StageTimeout = envDuration(envFELStageTimeout, 0)
	cfg.Flash.UBITimeout = envDuration(envUBIStageTimeout, 0)

	fx := &cfg.Fixture
	fx.SerialAttempts = envInt(envSerialAttempts, 0)
	if v := os.Getenv(envConsoleUser); v != "" {
		fx.ConsoleUser = v
	}
	if v := os.Getenv(envConsolePassword); v != "" {
		fx.ConsolePassword = v
	}
	fx.ConsoleBaud = envInt(envConsoleBaud, fx.ConsoleBaud)
	fx.WifiSSID = os.Getenv(envWifiSSID)
	fx.WifiPassword = os.Getenv(envWifiPassword)
	fx.RepoURL = os.Getenv(envRepoURL)
	fx.ProjectDir = os.Getenv(envProjectDir)
	fx.SerialNumberCommand = os.Getenv(envSerialNumberCommand)
	fx.HostnameFormat = os.Getenv(envHostnameFormat)
	fx.HostnameStart = envInt(envHostnameStart, fx.HostnameStart)
	fx.HostnameAddSlot = envBool(envHostnameAddSlot, false)
	if v := os.Getenv(envHostnameLog); v != "" {
		fx.HostnameLog = v
	}

	cfg.Mock = envBool(envMock, false)
	if f := envFloat(envMockFailureRate, cfg.MockFailureRate); f >= 0 && f <= 1 {
		cfg.MockFailureRate = f
	}
	cfg.MockUnit = envDuration(envMockUnit, 0)

	return cfg
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def
	}
	return d
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

type devicesFile struct {
	Devices []*model.Device `yaml:"devices"`
}

// LoadDevices reads the device catalog from a YAML file of the form
//
//	devices:
//	  - uid: "1"
//	    slot: 1
//	    serial: /dev/chip-1-serial
//	    fel: /dev/chip-1-fel
//
// Every device needs a unique, non-empty uid.
func LoadDevices(path string) ([]*model.Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read devices file: %w", err)
	}
	return ParseDevices(data)
}

// ParseDevices decodes a YAML device catalog.
func ParseDevices(data []byte) ([]*model.Device, error) {
	var f devicesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse devices: %w", err)
	}

	seen := make(map[string]bool, len(f.Devices))
	for i, d := range f.Devices {
		if d == nil || d.UID == "" {
			return nil, fmt.Errorf("device %d: missing uid", i)
		}
		if seen[d.UID] {
			return nil, fmt.Errorf("device %d: duplicate uid %q", i, d.UID)
		}
		seen[d.UID] = true
	}
	return f.Devices, nil
}
