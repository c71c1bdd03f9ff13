// Copyright 2024 The Refsearch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"flag"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/refsearch/refsearch/internal/index"
)

// Config is the Refsearch server configuration.
type Config interface {
	GetName() string
	GetDataDir() string
	GetIndexDir() string
	GetPort() int
	GetLogger() *LoggerConfig
	GetMetrics() *MetricsConfig
	GetSearch() *SearchConfig
}

// ParseArgs builds the runtime configuration from an optional YAML file and
// command line overrides. Bad values are fatal through the supplied logger.
func ParseArgs(logger *zap.Logger, args []string) Config {
	config := NewConfig(logger)

	flags := flag.NewFlagSet("refsearch", flag.ExitOnError)
	var configPath string
	flags.StringVar(&configPath, "config", "", "The absolute file path to configuration YAML file.")
	var name string
	flags.StringVar(&name, "name", "", "The virtual name of this server.")
	var datadir string
	flags.StringVar(&datadir, "data-dir", "", "An absolute path to a writeable folder where the server will store its data.")
	var indexdir string
	flags.StringVar(&indexdir, "index-dir", "", "The directory holding the prebuilt index artifacts.")
	var port int
	flags.IntVar(&port, "port", -1, "The port for accepting search API connections.")
	if err := flags.Parse(args); err != nil {
		logger.Fatal("Could not parse command line arguments", zap.Error(err))
	}

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			logger.Fatal("Could not read config file", zap.String("path", configPath), zap.Error(err))
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			logger.Fatal("Could not parse config file", zap.String("path", configPath), zap.Error(err))
		}
	}

	if name != "" {
		config.Name = name
	}
	if datadir != "" {
		config.Datadir = datadir
	}
	if indexdir != "" {
		config.IndexDir = indexdir
	}
	if port != -1 {
		config.Port = port
	}

	config.Validate(logger)
	return config
}

type config struct {
	Name     string         `yaml:"name" json:"name" usage:"Server node name - must be unique."`
	Datadir  string         `yaml:"data_dir" json:"data_dir" usage:"An absolute path to a writeable folder where the server will store its data, including logs."`
	IndexDir string         `yaml:"index_dir" json:"index_dir" usage:"The directory holding the prebuilt index artifacts."`
	Port     int            `yaml:"port" json:"port" usage:"The port for accepting search API connections, listening on all interfaces."`
	Logger   *LoggerConfig  `yaml:"logger" json:"logger" usage:"Logger levels and output."`
	Metrics  *MetricsConfig `yaml:"metrics" json:"metrics" usage:"Metrics export settings."`
	Search   *SearchConfig  `yaml:"search" json:"search" usage:"Query execution settings."`
}

// NewConfig constructs a config struct with default values.
func NewConfig(logger *zap.Logger) *config {
	cwd, err := os.Getwd()
	if err != nil {
		logger.Fatal("Error getting current working directory.", zap.Error(err))
	}
	dataDirectory := filepath.Join(cwd, "data")
	nodeID, err := uuid.NewV4()
	if err != nil {
		logger.Fatal("Error generating node name.", zap.Error(err))
	}
	nodeName := "refsearch-" + strings.Split(nodeID.String(), "-")[3]
	return &config{
		Name:     nodeName,
		Datadir:  dataDirectory,
		IndexDir: filepath.Join(dataDirectory, "index"),
		Port:     7450,
		Logger:   NewLoggerConfig(),
		Metrics:  NewMetricsConfig(),
		Search:   NewSearchConfig(),
	}
}

func (c *config) Validate(logger *zap.Logger) {
	if c.Port < 1 || c.Port > 65535 {
		logger.Fatal("Server port must be between 1 and 65535", zap.Int("port", c.Port))
	}
	if c.IndexDir == "" {
		logger.Fatal("Index directory must not be empty")
	}
	if c.Search.DefaultLimit < 1 || c.Search.DefaultLimit > index.MaxLimit {
		logger.Fatal("Search default limit out of range", zap.Int("default_limit", c.Search.DefaultLimit))
	}
	if c.Search.QueryTimeoutMs < 0 {
		logger.Fatal("Search query timeout must not be negative", zap.Int("query_timeout_ms", c.Search.QueryTimeoutMs))
	}
}

func (c *config) GetName() string {
	return c.Name
}

func (c *config) GetDataDir() string {
	return c.Datadir
}

func (c *config) GetIndexDir() string {
	return c.IndexDir
}

func (c *config) GetPort() int {
	return c.Port
}

func (c *config) GetLogger() *LoggerConfig {
	return c.Logger
}

func (c *config) GetMetrics() *MetricsConfig {
	return c.Metrics
}

func (c *config) GetSearch() *SearchConfig {
	return c.Search
}

// LoggerConfig is configuration relevant to logging levels and output.
type LoggerConfig struct {
	Level      string `yaml:"level" json:"level" usage:"Log level to set. Valid values are 'debug', 'info', 'warn', 'error'. Default 'info'."`
	Stdout     bool   `yaml:"stdout" json:"stdout" usage:"Log to standard console output (as well as to a file if set). Default true."`
	File       string `yaml:"file" json:"file" usage:"Log output to a file (as well as stdout if set). Make sure that the directory and the file is writable."`
	Rotation   bool   `yaml:"rotation" json:"rotation" usage:"Rotate log files. Default is false."`
	MaxSize    int    `yaml:"max_size" json:"max_size" usage:"The maximum size in megabytes of the log file before it gets rotated. It defaults to 100 megabytes."`
	MaxAge     int    `yaml:"max_age" json:"max_age" usage:"The maximum number of days to retain old log files based on the timestamp encoded in their filename. The default is not to remove old log files based on age."`
	MaxBackups int    `yaml:"max_backups" json:"max_backups" usage:"The maximum number of old log files to retain. The default is to retain all old log files (though MaxAge may still cause them to get deleted.)"`
	LocalTime  bool   `yaml:"local_time" json:"local_time" usage:"This determines if the time used for formatting the timestamps in backup files is the computer's local time. The default is to use UTC time."`
	Compress   bool   `yaml:"compress" json:"compress" usage:"This determines if the rotated log files should be compressed using gzip."`
	Format     string `yaml:"format" json:"format" usage:"Set logging output format. Can either be 'JSON' or 'Stackdriver'. Default is 'JSON'."`
}

// NewLoggerConfig creates a new LoggerConfig struct.
func NewLoggerConfig() *LoggerConfig {
	return &LoggerConfig{
		Level:      "info",
		Stdout:     true,
		File:       "",
		Rotation:   false,
		MaxSize:    100,
		MaxAge:     0,
		MaxBackups: 0,
		LocalTime:  false,
		Compress:   false,
		Format:     "json",
	}
}

// MetricsConfig is configuration relevant to metrics capturing and output.
type MetricsConfig struct {
	ReportingFreqSec int    `yaml:"reporting_freq_sec" json:"reporting_freq_sec" usage:"Frequency of metrics exports. Default is 60 seconds."`
	Namespace        string `yaml:"namespace" json:"namespace" usage:"Namespace for Prometheus metrics. It will always prepend node name."`
	PrometheusPort   int    `yaml:"prometheus_port" json:"prometheus_port" usage:"Port to expose Prometheus. If '0' Prometheus exports are disabled."`
	Prefix           string `yaml:"prefix" json:"prefix" usage:"Prefix for metric names. Default is 'refsearch', empty string '' disables the prefix."`
}

// NewMetricsConfig creates a new MetricsConfig struct.
func NewMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		ReportingFreqSec: 60,
		Namespace:        "",
		PrometheusPort:   0,
		Prefix:           "refsearch",
	}
}

// SearchConfig is configuration relevant to query execution.
type SearchConfig struct {
	DefaultLimit   int  `yaml:"default_limit" json:"default_limit" usage:"Result count when the request does not set a limit. Default 50."`
	QueryTimeoutMs int  `yaml:"query_timeout_ms" json:"query_timeout_ms" usage:"Time in milliseconds a query may wait for engine readiness before failing. Default 5000."`
	PreloadExt     bool `yaml:"preload_ext" json:"preload_ext" usage:"Load the extended tier at startup instead of on first demand."`
}

// NewSearchConfig creates a new SearchConfig struct.
func NewSearchConfig() *SearchConfig {
	return &SearchConfig{
		DefaultLimit:   index.DefaultLimit,
		QueryTimeoutMs: 5000,
		PreloadExt:     false,
	}
}
