package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"github.com/JK-97/sensor-porter/adapter"
	portersync "github.com/JK-97/sensor-porter/sync"
)

const defaultConfigPath = "porter.toml"

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type porterConfig struct {
	LogLevel    string        `toml:"log_level" validate:"oneof=debug info warn error"`
	MetricsAddr string        `toml:"metrics_addr" validate:"omitempty,hostname_port"`
	Bridge      bridgeConfig  `toml:"bridge"`
	Sync        syncConfig    `toml:"sync"`
	Mapping     mappingConfig `toml:"mapping"`
}

// bridgeConfig 的 policy depth 总是被 queue_size 覆盖
type bridgeConfig struct {
	Enabled       bool           `toml:"enabled"`
	InputURI      string         `toml:"input_uri" validate:"required,uri"`
	OutputURI     string         `toml:"output_uri" validate:"required,uri"`
	InputTopic    string         `toml:"input_topic" validate:"required"`
	OutputTopic   string         `toml:"output_topic" validate:"required"`
	QueueSize     int            `toml:"queue_size" validate:"gt=0"`
	InputPolicy   adapter.Policy `toml:"input_policy"`
	OutputPolicy  adapter.Policy `toml:"output_policy"`
	StatsInterval duration       `toml:"stats_interval"`
}

type syncConfig struct {
	Enabled         bool           `toml:"enabled"`
	InputURI        string         `toml:"input_uri" validate:"required,uri"`
	OutputURI       string         `toml:"output_uri" validate:"required,uri"`
	ReferenceTopic  string         `toml:"reference_topic" validate:"required"`
	SecondaryTopic  string         `toml:"secondary_topic" validate:"required"`
	OutputTopic     string         `toml:"output_topic" validate:"required"`
	ReferencePolicy adapter.Policy `toml:"reference_policy"`
	SecondaryPolicy adapter.Policy `toml:"secondary_policy"`
	OutputPolicy    adapter.Policy `toml:"output_policy"`
	NoticeInterval  duration       `toml:"notice_interval"`
}

type mappingConfig struct {
	Enabled   bool           `toml:"enabled"`
	URI       string         `toml:"uri" validate:"required,uri"`
	MapTopic  string         `toml:"map_topic" validate:"required"`
	Policy    adapter.Policy `toml:"policy"`
	OutputDir string         `toml:"output_dir"`
	Quality   int            `toml:"quality" validate:"gte=1,lte=100"`
}

func defaultConfig() *porterConfig {
	bestEffort := adapter.DefaultPolicy()
	reliable := adapter.Policy{
		Reliability: adapter.Reliable,
		Durability:  adapter.Volatile,
		History:     adapter.KeepLast,
		Depth:       10,
	}
	return &porterConfig{
		LogLevel: "info",
		Bridge: bridgeConfig{
			Enabled:       true,
			InputURI:      "memory://robot",
			OutputURI:     "memory://nav",
			InputTopic:    "/scan",
			OutputTopic:   "/scan_bridge",
			QueueSize:     10,
			InputPolicy:   bestEffort,
			OutputPolicy:  reliable,
			StatsInterval: duration{5 * time.Second},
		},
		Sync: syncConfig{
			Enabled:         true,
			InputURI:        "memory://robot",
			OutputURI:       "memory://nav",
			ReferenceTopic:  "/rslidar_points",
			SecondaryTopic:  "/utlidar/imu",
			OutputTopic:     "/utlidar/imu_synced",
			ReferencePolicy: bestEffort,
			SecondaryPolicy: reliable,
			OutputPolicy:    reliable,
			NoticeInterval:  duration{portersync.DefaultNoticeInterval},
		},
		Mapping: mappingConfig{
			Enabled:  true,
			URI:      "memory://nav",
			MapTopic: "/map2d",
			Policy: adapter.Policy{
				Reliability: adapter.Reliable,
				Durability:  adapter.Persistent,
				History:     adapter.KeepLast,
				Depth:       1,
			},
			OutputDir: ".",
			Quality:   95,
		},
	}
}

// loadConfig 读取配置文件，然后用命令行参数覆盖
func loadConfig(args []string, output io.Writer) (*porterConfig, error) {
	fs := flag.NewFlagSet("porter", flag.ContinueOnError)
	fs.SetOutput(output)

	configPath := fs.String("config", defaultConfigPath, "Config file Path")
	fs.StringVar(configPath, "c", defaultConfigPath, "Config file Path")
	inputTopic := fs.String("input_topic", "", "Input scan topic")
	outputTopic := fs.String("output_topic", "", "Output scan topic")
	queueSize := fs.Int("queue_size", 0, "Queue size for subscriber and publisher")
	useMapping := fs.Bool("use_mapping", true, "Whether to export the occupancy grid produced by the mapping stack")
	logLevel := fs.String("log_level", "", "Log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	cfg := defaultConfig()
	if _, err := toml.DecodeFile(*configPath, cfg); err != nil {
		if !errors.Is(err, os.ErrNotExist) || set["config"] || set["c"] {
			return nil, fmt.Errorf("read %s: %w", *configPath, err)
		}
	}

	if set["input_topic"] {
		cfg.Bridge.InputTopic = *inputTopic
	}
	if set["output_topic"] {
		cfg.Bridge.OutputTopic = *outputTopic
	}
	if set["queue_size"] {
		cfg.Bridge.QueueSize = *queueSize
	}
	if set["use_mapping"] {
		cfg.Mapping.Enabled = *useMapping
	}
	if set["log_level"] {
		cfg.LogLevel = *logLevel
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *porterConfig) validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %w", portersync.ErrInvalidConfig, err)
	}
	if err := c.relayConfig().Validate(); err != nil {
		return err
	}
	if err := c.stampConfig().Validate(); err != nil {
		return err
	}
	if err := c.Mapping.Policy.Validate(); err != nil {
		return fmt.Errorf("%w: mapping policy: %w", portersync.ErrInvalidConfig, err)
	}
	return nil
}

func (c *porterConfig) relayConfig() portersync.RelayConfig {
	return portersync.RelayConfig{
		InputTopic:    c.Bridge.InputTopic,
		OutputTopic:   c.Bridge.OutputTopic,
		QueueSize:     c.Bridge.QueueSize,
		InputPolicy:   c.Bridge.InputPolicy,
		OutputPolicy:  c.Bridge.OutputPolicy,
		StatsInterval: c.Bridge.StatsInterval.Duration,
	}
}

func (c *porterConfig) stampConfig() portersync.StampConfig {
	return portersync.StampConfig{
		ReferenceTopic:  c.Sync.ReferenceTopic,
		SecondaryTopic:  c.Sync.SecondaryTopic,
		OutputTopic:     c.Sync.OutputTopic,
		ReferencePolicy: c.Sync.ReferencePolicy,
		SecondaryPolicy: c.Sync.SecondaryPolicy,
		OutputPolicy:    c.Sync.OutputPolicy,
		NoticeInterval:  c.Sync.NoticeInterval.Duration,
	}
}
