package main

import (
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const maxBaths = 6

type Config struct {
	DeviceURL       string
	AlarmDeviceURL  string
	BathCount       int
	StatePath       string
	ListenAddr      string
	CommandTimeout  time.Duration
	PersistDebounce time.Duration
	TickInterval    time.Duration
	ReductionWindow int
	ReductionBuffer int
	AlarmThreshold  int
	AlarmDuration   time.Duration
	HaURI           string
	HaToken         string
	NotifyDevice    string
	LogJSON         bool
	Debug           bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bath_count", maxBaths)
	v.SetDefault("state_path", "rectifiers.db")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("command_timeout", 3*time.Second)
	v.SetDefault("persist_debounce", time.Second)
	v.SetDefault("tick_interval", time.Second)
	v.SetDefault("reduction_window", 300)
	v.SetDefault("reduction_buffer", 20)
	v.SetDefault("alarm_threshold", 20)
	v.SetDefault("alarm_duration", 30*time.Second)
	v.SetDefault("log_json", false)
	v.SetDefault("debug", false)
}

// readConfig loads an optional .env file and reads RECTIFIER_* variables.
func readConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "load .env")
	}

	v := viper.New()
	v.SetEnvPrefix("RECTIFIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return loadConfig(v)
}

func loadConfig(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		DeviceURL:       v.GetString("device_url"),
		AlarmDeviceURL:  v.GetString("alarm_device_url"),
		BathCount:       v.GetInt("bath_count"),
		StatePath:       v.GetString("state_path"),
		ListenAddr:      v.GetString("listen_addr"),
		CommandTimeout:  v.GetDuration("command_timeout"),
		PersistDebounce: v.GetDuration("persist_debounce"),
		TickInterval:    v.GetDuration("tick_interval"),
		ReductionWindow: v.GetInt("reduction_window"),
		ReductionBuffer: v.GetInt("reduction_buffer"),
		AlarmThreshold:  v.GetInt("alarm_threshold"),
		AlarmDuration:   v.GetDuration("alarm_duration"),
		HaURI:           v.GetString("ha_uri"),
		HaToken:         v.GetString("ha_token"),
		NotifyDevice:    v.GetString("notify_device"),
		LogJSON:         v.GetBool("log_json"),
		Debug:           v.GetBool("debug"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DeviceURL == "" {
		return errors.WithHint(errors.New("no device URL configured"), "set RECTIFIER_DEVICE_URL")
	}
	if c.BathCount < 1 || c.BathCount > maxBaths {
		return errors.Newf("bath count %d out of range 1..%d", c.BathCount, maxBaths)
	}
	if c.CommandTimeout <= 0 {
		return errors.New("command timeout must be positive")
	}
	if c.PersistDebounce <= 0 {
		return errors.New("persist debounce must be positive")
	}
	if c.TickInterval <= 0 {
		return errors.New("tick interval must be positive")
	}
	if c.ReductionBuffer < 0 || c.ReductionBuffer >= c.ReductionWindow {
		return errors.Newf("reduction buffer %d must be within window %d", c.ReductionBuffer, c.ReductionWindow)
	}
	if c.AlarmThreshold <= 0 {
		return errors.New("alarm threshold must be positive")
	}
	return nil
}

func (c *Config) engineConfig() EngineConfig {
	return EngineConfig{
		BathCount:       c.BathCount,
		ReductionWindow: c.ReductionWindow,
		ReductionBuffer: c.ReductionBuffer,
		AlarmThreshold:  c.AlarmThreshold,
	}
}

func (c *Config) notificationsEnabled() bool {
	return c.HaURI != "" && c.HaToken != "" && c.NotifyDevice != ""
}
