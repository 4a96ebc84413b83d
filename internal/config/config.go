package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	TransportSerial = "serial"
	TransportHTTP   = "http"
	TransportAuto   = "auto"
)

type GlobalsConfig struct {
	DownloadDirectory string `mapstructure:"download_directory" yaml:"download_directory"`
}

type RootConfig struct {
	ActiveDevice string                    `mapstructure:"active_device" yaml:"active_device"`
	Globals      *GlobalsConfig            `mapstructure:"globals,omitempty" yaml:"globals,omitempty"`
	Devices      map[string]*DeviceProfile `mapstructure:"devices" yaml:"devices"`
}

// DeviceProfile is one named entry of the devices map. Zero values are
// filled from the default profile and then from built-in defaults.
type DeviceProfile struct {
	Transport string         `mapstructure:"transport" yaml:"transport"` // "serial", "http", "auto"
	Serial    SerialConfig   `mapstructure:"serial" yaml:"serial"`
	HTTP      HTTPConfig     `mapstructure:"http" yaml:"http"`
	Timeouts  TimeoutConfig  `mapstructure:"timeouts" yaml:"timeouts"`
	Polling   PollingConfig  `mapstructure:"polling" yaml:"polling"`
	Download  DownloadConfig `mapstructure:"download" yaml:"download"`
	Connect   ConnectConfig  `mapstructure:"connect" yaml:"connect"`
}

// Config is the resolved configuration of the selected device.
type Config struct {
	Device    string         `mapstructure:"-" yaml:"device"`
	Transport string         `mapstructure:"transport" yaml:"transport"`
	Serial    SerialConfig   `mapstructure:"serial" yaml:"serial"`
	HTTP      HTTPConfig     `mapstructure:"http" yaml:"http"`
	Timeouts  TimeoutConfig  `mapstructure:"timeouts" yaml:"timeouts"`
	Polling   PollingConfig  `mapstructure:"polling" yaml:"polling"`
	Download  DownloadConfig `mapstructure:"download" yaml:"download"`
	Connect   ConnectConfig  `mapstructure:"connect" yaml:"connect"`

	// Internal field to track inheritance information for info command
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`
}

type InheritanceInfo struct {
	Transport string // "inherited" or "profile-specific"
	Serial    struct {
		Port     string
		BaudRate string
		Framing  string
	}
	HTTP struct {
		BaseURL string
	}
	Timeouts string
	Polling  string
	Download struct {
		Directory string
	}
	Connect string
}

type SerialConfig struct {
	Port     string `mapstructure:"port" yaml:"port"` // device path or "auto"
	BaudRate int    `mapstructure:"baud_rate" yaml:"baud_rate"`
	DataBits int    `mapstructure:"data_bits" yaml:"data_bits"`
	StopBits int    `mapstructure:"stop_bits" yaml:"stop_bits"`
	Parity   string `mapstructure:"parity" yaml:"parity"` // "none", "even", "odd", "mark", "space"
}

type HTTPConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
}

type TimeoutConfig struct {
	Level    time.Duration `mapstructure:"level" yaml:"level"`
	Default  time.Duration `mapstructure:"default" yaml:"default"`
	Record   time.Duration `mapstructure:"record" yaml:"record"`
	Download time.Duration `mapstructure:"download" yaml:"download"`
}

type PollingConfig struct {
	Status      time.Duration `mapstructure:"status" yaml:"status"`
	HTTPLevel   time.Duration `mapstructure:"http_level" yaml:"http_level"`
	SerialLevel time.Duration `mapstructure:"serial_level" yaml:"serial_level"`
}

type DownloadConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
}

type ConnectConfig struct {
	Attempts int `mapstructure:"attempts" yaml:"attempts"`
}

var defaultConfig = Config{
	Transport: TransportAuto,
	Serial: SerialConfig{
		Port:     "auto",
		BaudRate: 115200,
		DataBits: 8,
		StopBits: 1,
		Parity:   "none",
	},
	HTTP: HTTPConfig{
		BaseURL: "http://192.168.4.1",
	},
	Timeouts: TimeoutConfig{
		Level:    2 * time.Second,
		Default:  15 * time.Second,
		Record:   30 * time.Second,
		Download: 60 * time.Second,
	},
	Polling: PollingConfig{
		Status:      5 * time.Second,
		HTTPLevel:   100 * time.Millisecond,
		SerialLevel: 50 * time.Millisecond,
	},
	Download: DownloadConfig{
		Directory: filepath.Join(os.Getenv("HOME"), "Audio", "Recorder"),
	},
	Connect: ConnectConfig{
		Attempts: 1,
	},
}

// Default returns a copy of the built-in configuration, used when no config
// file exists.
func Default() *Config {
	c := defaultConfig
	c.Device = "default"
	c.Download.Directory = expandPath(c.Download.Directory)
	return &c
}

func LoadWithProfile(configFile, device string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	// Validate configuration format first
	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	// Determine which device to use
	deviceName := device
	if deviceName == "" {
		deviceName = rootConfig.ActiveDevice
	}
	if deviceName == "" {
		deviceName = "default"
	}

	selectedProfile, exists := rootConfig.Devices[deviceName]
	if !exists {
		return nil, fmt.Errorf("device profile '%s' not found", deviceName)
	}

	selectedConfig, err := convertProfileToConfig(selectedProfile)
	if err != nil {
		return nil, fmt.Errorf("error resolving device profile '%s': %w", deviceName, err)
	}

	// Merge with default profile if it exists and we're not already using default
	if deviceName != "default" {
		if defaultProfile, exists := rootConfig.Devices["default"]; exists {
			base, err := convertProfileToConfig(defaultProfile)
			if err != nil {
				return nil, fmt.Errorf("error resolving default device profile: %w", err)
			}
			selectedConfig = mergeConfigs(base, selectedConfig)
		}
	}
	if selectedConfig.Inheritance == nil {
		selectedConfig = mergeConfigs(nil, selectedConfig)
	}

	// Global download directory takes priority over the profile
	if rootConfig.Globals != nil && rootConfig.Globals.DownloadDirectory != "" {
		selectedConfig.Download.Directory = rootConfig.Globals.DownloadDirectory
		selectedConfig.Inheritance.Download.Directory = "global"
	}

	applyDefaults(selectedConfig)
	selectedConfig.Device = deviceName
	selectedConfig.Download.Directory = expandPath(selectedConfig.Download.Directory)

	if err := validateConfig(selectedConfig); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return selectedConfig, nil
}

// UpdateActiveDevice updates the active_device field in the config file
func UpdateActiveDevice(configFile, newActiveDevice string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	// Create a new viper instance to avoid interfering with the global one
	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	v.Set("active_device", newActiveDevice)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

func convertProfileToConfig(profile *DeviceProfile) (*Config, error) {
	if profile == nil {
		return nil, fmt.Errorf("profile cannot be nil")
	}

	return &Config{
		Transport: strings.ToLower(profile.Transport),
		Serial:    profile.Serial,
		HTTP:      profile.HTTP,
		Timeouts:  profile.Timeouts,
		Polling:   profile.Polling,
		Download:  profile.Download,
		Connect:   profile.Connect,
	}, nil
}

// mergeConfigs overlays the non-zero fields of profile on base and records
// which values were inherited. Timeouts and polling intervals are merged field
// by field but tracked as a group.
func mergeConfigs(base, profile *Config) *Config {
	result := &Config{Inheritance: &InheritanceInfo{}}

	if base != nil {
		result.Transport = base.Transport
		result.Serial = base.Serial
		result.HTTP = base.HTTP
		result.Timeouts = base.Timeouts
		result.Polling = base.Polling
		result.Download = base.Download
		result.Connect = base.Connect

		result.Inheritance.Transport = "inherited"
		result.Inheritance.Serial.Port = "inherited"
		result.Inheritance.Serial.BaudRate = "inherited"
		result.Inheritance.Serial.Framing = "inherited"
		result.Inheritance.HTTP.BaseURL = "inherited"
		result.Inheritance.Timeouts = "inherited"
		result.Inheritance.Polling = "inherited"
		result.Inheritance.Download.Directory = "inherited"
		result.Inheritance.Connect = "inherited"
	}

	if profile == nil {
		return result
	}

	if profile.Transport != "" {
		result.Transport = profile.Transport
		result.Inheritance.Transport = "profile-specific"
	}

	if profile.Serial.Port != "" {
		result.Serial.Port = profile.Serial.Port
		result.Inheritance.Serial.Port = "profile-specific"
	}
	if profile.Serial.BaudRate != 0 {
		result.Serial.BaudRate = profile.Serial.BaudRate
		result.Inheritance.Serial.BaudRate = "profile-specific"
	}
	if profile.Serial.DataBits != 0 || profile.Serial.StopBits != 0 || profile.Serial.Parity != "" {
		result.Inheritance.Serial.Framing = "profile-specific"
	}
	if profile.Serial.DataBits != 0 {
		result.Serial.DataBits = profile.Serial.DataBits
	}
	if profile.Serial.StopBits != 0 {
		result.Serial.StopBits = profile.Serial.StopBits
	}
	if profile.Serial.Parity != "" {
		result.Serial.Parity = profile.Serial.Parity
	}

	if profile.HTTP.BaseURL != "" {
		result.HTTP.BaseURL = profile.HTTP.BaseURL
		result.Inheritance.HTTP.BaseURL = "profile-specific"
	}

	if profile.Timeouts != (TimeoutConfig{}) {
		result.Inheritance.Timeouts = "profile-specific"
	}
	overrideDuration(&result.Timeouts.Level, profile.Timeouts.Level)
	overrideDuration(&result.Timeouts.Default, profile.Timeouts.Default)
	overrideDuration(&result.Timeouts.Record, profile.Timeouts.Record)
	overrideDuration(&result.Timeouts.Download, profile.Timeouts.Download)

	if profile.Polling != (PollingConfig{}) {
		result.Inheritance.Polling = "profile-specific"
	}
	overrideDuration(&result.Polling.Status, profile.Polling.Status)
	overrideDuration(&result.Polling.HTTPLevel, profile.Polling.HTTPLevel)
	overrideDuration(&result.Polling.SerialLevel, profile.Polling.SerialLevel)

	if profile.Download.Directory != "" {
		result.Download.Directory = profile.Download.Directory
		result.Inheritance.Download.Directory = "profile-specific"
	}

	if profile.Connect.Attempts != 0 {
		result.Connect.Attempts = profile.Connect.Attempts
		result.Inheritance.Connect = "profile-specific"
	}

	return result
}

func overrideDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

// applyDefaults fills whatever neither the profile nor the default profile set.
func applyDefaults(c *Config) {
	d := defaultConfig
	if c.Transport == "" {
		c.Transport = d.Transport
	}
	if c.Serial.Port == "" {
		c.Serial.Port = d.Serial.Port
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = d.Serial.BaudRate
	}
	if c.Serial.DataBits == 0 {
		c.Serial.DataBits = d.Serial.DataBits
	}
	if c.Serial.StopBits == 0 {
		c.Serial.StopBits = d.Serial.StopBits
	}
	if c.Serial.Parity == "" {
		c.Serial.Parity = d.Serial.Parity
	}
	if c.HTTP.BaseURL == "" {
		c.HTTP.BaseURL = d.HTTP.BaseURL
	}
	overrideDuration(&d.Timeouts.Level, c.Timeouts.Level)
	overrideDuration(&d.Timeouts.Default, c.Timeouts.Default)
	overrideDuration(&d.Timeouts.Record, c.Timeouts.Record)
	overrideDuration(&d.Timeouts.Download, c.Timeouts.Download)
	c.Timeouts = d.Timeouts
	overrideDuration(&d.Polling.Status, c.Polling.Status)
	overrideDuration(&d.Polling.HTTPLevel, c.Polling.HTTPLevel)
	overrideDuration(&d.Polling.SerialLevel, c.Polling.SerialLevel)
	c.Polling = d.Polling
	if c.Download.Directory == "" {
		c.Download.Directory = d.Download.Directory
	}
	if c.Connect.Attempts == 0 {
		c.Connect.Attempts = d.Connect.Attempts
	}
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// ValidateConfigurationFormat validates the configuration file format and returns parsed config.
// Each call reads through its own viper instance, so a reload triggered by
// the global watcher never races with it.
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("RECLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if len(rootConfig.Devices) == 0 {
		return nil, fmt.Errorf("devices section is required and cannot be empty")
	}

	for name, profile := range rootConfig.Devices {
		if err := validateProfile(profile); err != nil {
			return nil, fmt.Errorf("invalid device '%s': %w", name, err)
		}
	}

	return &rootConfig, nil
}

// validateProfile checks the fields a profile sets. Unset fields are fine at
// this stage since they are inherited later.
func validateProfile(p *DeviceProfile) error {
	if p == nil {
		return fmt.Errorf("profile is empty")
	}
	if p.Transport != "" && !isValidTransport(p.Transport) {
		return fmt.Errorf("'transport' must be 'serial', 'http' or 'auto', got: %s", p.Transport)
	}
	if p.Serial.BaudRate < 0 {
		return fmt.Errorf("serial.baud_rate must be > 0, got: %d", p.Serial.BaudRate)
	}
	if p.Serial.Parity != "" && !isValidParity(p.Serial.Parity) {
		return fmt.Errorf("serial.parity must be one of none, even, odd, mark, space, got: %s", p.Serial.Parity)
	}
	if p.HTTP.BaseURL != "" {
		if err := validateBaseURL(p.HTTP.BaseURL); err != nil {
			return err
		}
	}
	if p.Connect.Attempts < 0 {
		return fmt.Errorf("connect.attempts must be >= 0, got: %d", p.Connect.Attempts)
	}
	return nil
}

// validateConfig checks a fully resolved configuration.
func validateConfig(c *Config) error {
	if !isValidTransport(c.Transport) {
		return fmt.Errorf("'transport' must be 'serial', 'http' or 'auto', got: %s", c.Transport)
	}
	if c.Serial.BaudRate <= 0 {
		return fmt.Errorf("serial.baud_rate must be > 0, got: %d", c.Serial.BaudRate)
	}
	if c.Serial.DataBits < 5 || c.Serial.DataBits > 8 {
		return fmt.Errorf("serial.data_bits must be between 5 and 8, got: %d", c.Serial.DataBits)
	}
	if c.Serial.StopBits != 1 && c.Serial.StopBits != 2 {
		return fmt.Errorf("serial.stop_bits must be 1 or 2, got: %d", c.Serial.StopBits)
	}
	if !isValidParity(c.Serial.Parity) {
		return fmt.Errorf("serial.parity must be one of none, even, odd, mark, space, got: %s", c.Serial.Parity)
	}
	if c.Transport == TransportHTTP {
		if err := validateBaseURL(c.HTTP.BaseURL); err != nil {
			return err
		}
	}
	durations := map[string]time.Duration{
		"timeouts.level":       c.Timeouts.Level,
		"timeouts.default":     c.Timeouts.Default,
		"timeouts.record":      c.Timeouts.Record,
		"timeouts.download":    c.Timeouts.Download,
		"polling.status":       c.Polling.Status,
		"polling.http_level":   c.Polling.HTTPLevel,
		"polling.serial_level": c.Polling.SerialLevel,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0, got: %s", name, d)
		}
	}
	return nil
}

func isValidTransport(t string) bool {
	switch strings.ToLower(t) {
	case TransportSerial, TransportHTTP, TransportAuto:
		return true
	}
	return false
}

func isValidParity(p string) bool {
	switch strings.ToLower(p) {
	case "none", "even", "odd", "mark", "space":
		return true
	}
	return false
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("http.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("http.base_url must use http or https, got: %s", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("http.base_url must include a host, got: %s", raw)
	}
	return nil
}
