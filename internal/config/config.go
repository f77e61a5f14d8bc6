// Package config loads rye's PRM_ID_HA_* parameters: a YAML file
// (loaded with gopkg.in/yaml.v3) layered with environment-variable
// overrides, mirroring cmd/warren/main.go's flag-then-config
// resolution order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process-wide configuration for both rye-master and
// rye-repl, named after the original_source PRM_ID_HA_* parameters
// they replace.
type Config struct {
	NodeID   string   `yaml:"node_id"`
	Priority int      `yaml:"ha_priority"` // PRM_ID_HA_NODE_LIST's priority for this node
	HAMode   string   `yaml:"ha_mode"` // PRM_ID_HA_MODE: "master", "replica"
	NodeList []string `yaml:"ha_node_list"` // PRM_ID_HA_NODE_LIST: host:priority pairs as "ip@priority"
	PingHosts []string `yaml:"ha_ping_hosts"` // PRM_ID_HA_PING_HOSTS
	HeartbeatListenAddr string `yaml:"ha_heartbeat_listen_addr"` // PRM_ID_HA_PORT, as a host:port

	HeartbeatInterval   time.Duration `yaml:"ha_heartbeat_interval"`    // PRM_ID_HA_HEARTBEAT_INTERVAL
	CalcScoreInterval   time.Duration `yaml:"ha_calc_score_interval"`   // PRM_ID_HA_CALC_SCORE_INTERVAL
	InitTimer           time.Duration `yaml:"ha_init_timer"`            // PRM_ID_HA_INIT_TIMER
	FailoverWaitTime    time.Duration `yaml:"ha_failover_wait_time"`    // PRM_ID_HA_FAILOVER_WAIT_TIME
	MaxHeartbeatGap     int           `yaml:"ha_max_heartbeat_gap"`     // PRM_ID_HA_MAX_HEARTBEAT_GAP
	CheckDiskFailureInterval time.Duration `yaml:"ha_check_disk_failure_interval"` // PRM_ID_HA_CHECK_DISK_FAILURE_INTERVAL

	ProcessDeregConfirmInterval time.Duration `yaml:"ha_process_dereg_confirm_interval"` // PRM_ID_HA_PROCESS_DEREG_CONFIRM_INTERVAL
	MaxProcessDeregConfirm      int           `yaml:"ha_max_process_dereg_confirm"`      // PRM_ID_HA_MAX_PROCESS_DEREG_CONFIRM
	ProcessStartConfirmInterval time.Duration `yaml:"ha_process_start_confirm_interval"` // PRM_ID_HA_PROCESS_START_CONFIRM_INTERVAL
	MaxProcessStartConfirm      int           `yaml:"ha_max_process_start_confirm"`      // PRM_ID_HA_MAX_PROCESS_START_CONFIRM
	ChangeSlaveMaxWaitTime      time.Duration `yaml:"ha_changeslave_max_wait_time"`      // PRM_ID_HA_CHANGESLAVE_MAX_WAIT_TIME

	MaxLogApplier  int           `yaml:"ha_max_log_applier"`  // PRM_ID_HA_MAX_LOG_APPLIER
	ReplicaDelay   time.Duration `yaml:"ha_replica_delay"`    // PRM_ID_HA_REPLICA_DELAY
	ReplicaTimeBound string      `yaml:"ha_replica_time_bound"` // PRM_ID_HA_REPLICA_TIME_BOUND

	SocketPath string `yaml:"socket_path"`
	PidPath    string `yaml:"pid_path"`
	DataDir    string `yaml:"data_dir"`

	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogJSON     bool   `yaml:"log_json"`

	// NoDaemon mirrors the original's NO_DAEMON environment toggle:
	// when set, rye-master/rye-repl run in the foreground instead of
	// detaching, read directly from the environment rather than the
	// YAML file since it is a developer/test-harness escape hatch.
	NoDaemon bool `yaml:"-"`
}

// Default returns a Config with the same defaults original_source
// ships for these parameters, expressed in Go durations.
func Default() Config {
	return Config{
		HAMode:                      "master",
		HeartbeatInterval:           time.Second,
		CalcScoreInterval:           5 * time.Second,
		InitTimer:                   40 * time.Second,
		FailoverWaitTime:            3 * time.Second,
		MaxHeartbeatGap:             3,
		CheckDiskFailureInterval:    5 * time.Second,
		ProcessDeregConfirmInterval: time.Second,
		MaxProcessDeregConfirm:      5,
		ProcessStartConfirmInterval: time.Second,
		MaxProcessStartConfirm:      5,
		ChangeSlaveMaxWaitTime:      2 * time.Minute,
		MaxLogApplier:               4,
		ReplicaDelay:                0,
		SocketPath:                  "/tmp/rye/rye_master.sock",
		PidPath:                     "/tmp/rye/rye_master.pid",
		DataDir:                     "/var/lib/rye",
		MetricsAddr:                 ":9201",
		LogLevel:                    "info",
		HeartbeatListenAddr:         ":59901",
	}
}

// Load reads path (if non-empty and present) over the defaults, then
// applies RYE_-prefixed environment overrides, keeping cmd/warren's
// flag-then-config resolution order with environment taking the final
// word.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	cfg.NoDaemon = os.Getenv("NO_DAEMON") != ""
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RYE_NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv("RYE_HA_MODE"); v != "" {
		cfg.HAMode = v
	}
	if v := os.Getenv("RYE_SOCKET_PATH"); v != "" {
		cfg.SocketPath = v
	}
	if v := os.Getenv("RYE_PID_PATH"); v != "" {
		cfg.PidPath = v
	}
	if v := os.Getenv("RYE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("RYE_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("RYE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RYE_HEARTBEAT_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.HeartbeatInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("RYE_MAX_HEARTBEAT_GAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxHeartbeatGap = n
		}
	}
}
