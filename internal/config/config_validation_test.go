package config

import (
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestValidateConfigurationFormat_ValidConfig(t *testing.T) {
	validConfig := `
active_device: lab

devices:
  default:
    transport: auto
    serial:
      port: auto
      baud_rate: 115200
      data_bits: 8
      stop_bits: 1
      parity: none

  lab:
    transport: http
    http:
      base_url: http://192.168.4.1
    timeouts:
      level: 1s
      download: 2m
`

	configFile := createTempConfig(t, validConfig)
	defer os.Remove(configFile)

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if rootConfig == nil {
		t.Fatal("Expected non-nil root config")
	}

	if rootConfig.ActiveDevice != "lab" {
		t.Errorf("Expected active device 'lab', got '%s'", rootConfig.ActiveDevice)
	}

	if len(rootConfig.Devices) != 2 {
		t.Errorf("Expected 2 devices, got %d", len(rootConfig.Devices))
	}

	lab := rootConfig.Devices["lab"]
	if lab == nil {
		t.Fatal("Expected lab device")
	}
	if lab.HTTP.BaseURL != "http://192.168.4.1" {
		t.Errorf("Expected base url, got '%s'", lab.HTTP.BaseURL)
	}
	if lab.Timeouts.Level != time.Second || lab.Timeouts.Download != 2*time.Minute {
		t.Errorf("Expected decoded durations, got %+v", lab.Timeouts)
	}
}

func TestValidateConfigurationFormat_MissingDevices(t *testing.T) {
	invalidConfig := `
active_device: lab
globals:
  download_directory: /tmp
`

	configFile := createTempConfig(t, invalidConfig)
	defer os.Remove(configFile)

	_, err := ValidateConfigurationFormat(configFile)
	if err == nil {
		t.Fatal("Expected error for missing devices section")
	}

	if !strings.Contains(err.Error(), "devices section is required") {
		t.Errorf("Expected error about devices section, got: %v", err)
	}
}

func TestValidateConfigurationFormat_InvalidProfiles(t *testing.T) {
	testCases := []struct {
		name          string
		device        string
		expectedError string
	}{
		{
			name: "unknown transport",
			device: `
    transport: bluetooth`,
			expectedError: "'transport' must be 'serial', 'http' or 'auto'",
		},
		{
			name: "bad parity",
			device: `
    serial:
      parity: sometimes`,
			expectedError: "serial.parity must be one of",
		},
		{
			name: "negative baud rate",
			device: `
    serial:
      baud_rate: -1`,
			expectedError: "serial.baud_rate must be > 0",
		},
		{
			name: "base url without scheme",
			device: `
    http:
      base_url: 192.168.4.1`,
			expectedError: "http.base_url must use http or https",
		},
		{
			name: "negative attempts",
			device: `
    connect:
      attempts: -2`,
			expectedError: "connect.attempts must be >= 0",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			content := "devices:\n  broken:" + tc.device + "\n"
			configFile := createTempConfig(t, content)
			defer os.Remove(configFile)

			_, err := ValidateConfigurationFormat(configFile)
			if err == nil {
				t.Fatalf("Expected error for %s", tc.name)
			}

			if !strings.Contains(err.Error(), tc.expectedError) {
				t.Errorf("Expected error containing '%s', got: %v", tc.expectedError, err)
			}
			if !strings.Contains(err.Error(), "invalid device 'broken'") {
				t.Errorf("Expected error to name the device, got: %v", err)
			}
		})
	}
}

func TestValidateConfig_ResolvedValues(t *testing.T) {
	valid := Default()

	testCases := []struct {
		name          string
		mutate        func(c *Config)
		expectedError string
	}{
		{"data bits", func(c *Config) { c.Serial.DataBits = 9 }, "serial.data_bits must be between 5 and 8"},
		{"stop bits", func(c *Config) { c.Serial.StopBits = 3 }, "serial.stop_bits must be 1 or 2"},
		{"http needs host", func(c *Config) { c.Transport = TransportHTTP; c.HTTP.BaseURL = "http://" }, "http.base_url must include a host"},
		{"zero timeout", func(c *Config) { c.Timeouts.Record = 0 }, "timeouts.record must be > 0"},
		{"zero poll", func(c *Config) { c.Polling.SerialLevel = 0 }, "polling.serial_level must be > 0"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := *valid
			tc.mutate(&c)
			err := validateConfig(&c)
			if err == nil {
				t.Fatalf("Expected error for %s", tc.name)
			}
			if !strings.Contains(err.Error(), tc.expectedError) {
				t.Errorf("Expected error containing '%s', got: %v", tc.expectedError, err)
			}
		})
	}
}

func TestUpdateActiveDevice(t *testing.T) {
	content := `
active_device: default
devices:
  default:
    transport: serial
  lab:
    transport: http
`
	configFile := createTempConfig(t, content)
	defer os.Remove(configFile)

	if err := UpdateActiveDevice(configFile, "lab"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		t.Fatalf("Expected no error re-reading config, got: %v", err)
	}
	if rootConfig.ActiveDevice != "lab" {
		t.Errorf("Expected active device 'lab', got '%s'", rootConfig.ActiveDevice)
	}
}

func TestLoadWithProfile_LeavesGlobalViperAlone(t *testing.T) {
	serial := createTempConfig(t, `
devices:
  default:
    transport: serial
`)
	defer os.Remove(serial)
	web := createTempConfig(t, `
active_device: lab
devices:
  default:
    transport: auto
  lab:
    transport: http
    http:
      base_url: http://192.168.4.1
`)
	defer os.Remove(web)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			cfg, err := LoadWithProfile(serial, "")
			if err == nil && cfg.Transport != "serial" {
				t.Errorf("Expected serial transport, got %q", cfg.Transport)
			}
			errs <- err
		}()
		go func() {
			defer wg.Done()
			cfg, err := LoadWithProfile(web, "")
			if err == nil && cfg.Transport != "http" {
				t.Errorf("Expected http transport, got %q", cfg.Transport)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Expected no error, got: %v", err)
		}
	}

	if used := viper.ConfigFileUsed(); used == serial || used == web {
		t.Errorf("Expected global viper untouched, got config file %s", used)
	}
}

// Helper function to create temporary config file for testing
func createTempConfig(t *testing.T, content string) string {
	tmpfile, err := os.CreateTemp("", "reclink-test-*.yaml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatalf("Failed to write temp file: %v", err)
	}

	if err := tmpfile.Close(); err != nil {
		t.Fatalf("Failed to close temp file: %v", err)
	}

	return tmpfile.Name()
}
