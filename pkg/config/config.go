package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cuemby/quarry/pkg/types"
	"gopkg.in/yaml.v3"
)

// The on-disk key names predate this codebase and are kept for
// compatibility with existing deployment configs.

// Master holds the master process configuration
type Master struct {
	ListenIP      string `yaml:"IP_ESCUCHA"`
	ListenPort    int    `yaml:"PUERTO_ESCUCHA"`
	Algorithm     string `yaml:"ALGORITMO_PLANIFICACION"`
	AgingMillis   int    `yaml:"TIEMPO_AGING"`
	LogLevel      string `yaml:"LOG_LEVEL"`
	MetricsListen string `yaml:"METRICS_LISTEN"`
	HistoryPath   string `yaml:"HISTORY_PATH"`
}

// ListenAddr returns the host:port the master binds
func (c *Master) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenIP, c.ListenPort)
}

// AgingInterval returns the aging interval as a duration
func (c *Master) AgingInterval() time.Duration {
	return time.Duration(c.AgingMillis) * time.Millisecond
}

// SchedulingAlgorithm returns the typed algorithm
func (c *Master) SchedulingAlgorithm() types.SchedulingAlgorithm {
	return types.SchedulingAlgorithm(c.Algorithm)
}

// Validate checks the master configuration
func (c *Master) Validate() error {
	if c.ListenIP == "" || c.ListenPort == 0 {
		return fmt.Errorf("IP_ESCUCHA and PUERTO_ESCUCHA are required")
	}
	switch types.SchedulingAlgorithm(c.Algorithm) {
	case types.SchedulingFIFO, types.SchedulingPriority:
	default:
		return fmt.Errorf("unknown ALGORITMO_PLANIFICACION %q", c.Algorithm)
	}
	if types.SchedulingAlgorithm(c.Algorithm) == types.SchedulingPriority && c.AgingMillis <= 0 {
		return fmt.Errorf("TIEMPO_AGING must be positive under PRIORITY")
	}
	return nil
}

// Worker holds the worker process configuration
type Worker struct {
	MasterIP      string `yaml:"IP_MASTER"`
	MasterPort    int    `yaml:"PUERTO_MASTER"`
	StorageIP     string `yaml:"IP_STORAGE"`
	StoragePort   int    `yaml:"PUERTO_STORAGE"`
	MemoryBytes   int    `yaml:"TAM_MEMORIA"`
	DelayMillis   int    `yaml:"RETARDO_MEMORIA"`
	Replacement   string `yaml:"ALGORITMO_REEMPLAZO"`
	ScriptsPath   string `yaml:"PATH_SCRIPTS"`
	LogLevel      string `yaml:"LOG_LEVEL"`
	MetricsListen string `yaml:"METRICS_LISTEN"`
}

// MasterAddr returns the master's host:port
func (c *Worker) MasterAddr() string {
	return fmt.Sprintf("%s:%d", c.MasterIP, c.MasterPort)
}

// StorageAddr returns the storage node's host:port
func (c *Worker) StorageAddr() string {
	return fmt.Sprintf("%s:%d", c.StorageIP, c.StoragePort)
}

// AccessDelay returns the simulated per-access memory latency
func (c *Worker) AccessDelay() time.Duration {
	return time.Duration(c.DelayMillis) * time.Millisecond
}

// ReplacementAlgorithm returns the typed replacement policy
func (c *Worker) ReplacementAlgorithm() types.ReplacementAlgorithm {
	return types.ReplacementAlgorithm(c.Replacement)
}

// Validate checks the worker configuration
func (c *Worker) Validate() error {
	if c.MasterIP == "" || c.MasterPort == 0 {
		return fmt.Errorf("IP_MASTER and PUERTO_MASTER are required")
	}
	if c.StorageIP == "" || c.StoragePort == 0 {
		return fmt.Errorf("IP_STORAGE and PUERTO_STORAGE are required")
	}
	if c.MemoryBytes <= 0 {
		return fmt.Errorf("TAM_MEMORIA must be positive")
	}
	switch types.ReplacementAlgorithm(c.Replacement) {
	case types.ReplacementLRU, types.ReplacementClockM:
	default:
		return fmt.Errorf("unknown ALGORITMO_REEMPLAZO %q", c.Replacement)
	}
	if c.ScriptsPath == "" {
		return fmt.Errorf("PATH_SCRIPTS is required")
	}
	return nil
}

// Storage holds the storage process configuration
type Storage struct {
	ListenIP           string `yaml:"STORAGE_IP"`
	ListenPort         int    `yaml:"STORAGE_PORT"`
	FreshStart         bool   `yaml:"FRESH_START"`
	MountPoint         string `yaml:"MOUNT_POINT"`
	OperationDelayMs   int    `yaml:"OPERATION_DELAY"`
	BlockAccessDelayMs int    `yaml:"BLOCK_ACCESS_DELAY"`
	LogLevel           string `yaml:"LOG_LEVEL"`
	MetricsListen      string `yaml:"METRICS_LISTEN"`
}

// ListenAddr returns the host:port the storage node binds
func (c *Storage) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenIP, c.ListenPort)
}

// OperationDelay returns the simulated per-operation latency
func (c *Storage) OperationDelay() time.Duration {
	return time.Duration(c.OperationDelayMs) * time.Millisecond
}

// BlockAccessDelay returns the simulated block access latency
func (c *Storage) BlockAccessDelay() time.Duration {
	return time.Duration(c.BlockAccessDelayMs) * time.Millisecond
}

// Validate checks the storage configuration
func (c *Storage) Validate() error {
	if c.ListenIP == "" || c.ListenPort == 0 {
		return fmt.Errorf("STORAGE_IP and STORAGE_PORT are required")
	}
	if c.MountPoint == "" {
		return fmt.Errorf("MOUNT_POINT is required")
	}
	return nil
}

// QueryControl holds the query control client configuration
type QueryControl struct {
	MasterIP   string `yaml:"IP_MASTER"`
	MasterPort int    `yaml:"PUERTO_MASTER"`
	LogLevel   string `yaml:"LOG_LEVEL"`
}

// MasterAddr returns the master's host:port
func (c *QueryControl) MasterAddr() string {
	return fmt.Sprintf("%s:%d", c.MasterIP, c.MasterPort)
}

// Validate checks the query control configuration
func (c *QueryControl) Validate() error {
	if c.MasterIP == "" || c.MasterPort == 0 {
		return fmt.Errorf("IP_MASTER and PUERTO_MASTER are required")
	}
	return nil
}

type validator interface {
	Validate() error
}

// Load reads and validates a YAML config file into cfg
func Load(path string, cfg validator) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", path, err)
	}
	return nil
}
