/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"go.uber.org/atomic"

	"github.com/xshost/xs/cmn/cos"
	"github.com/xshost/xs/cmn/jsp"
)

type (
	// Config is xs's entire runtime configuration. Unlike the teacher's
	// Config (which separates cluster/local/override layers for a
	// multi-node deployment) xs is single-host, so one flat struct
	// loaded once at startup suffices.
	Config struct {
		StoreDir   string         `json:"store_dir"`   // root directory: log keyspace + blob tree
		SocketPath string         `json:"socket_path"` // Unix socket the transport listens on
		TTL        TTLConf        `json:"ttl"`
		Fabric     FabricConf     `json:"fabric"`
		Supervisor SupervisorConf `json:"supervisor"`
		Transport  TransportConf  `json:"transport"`
	}

	// TransportConf configures the (out-of-core, spec.md §1) wire surface
	// collaborator: empty AuthSecret disables bearer-token auth entirely,
	// matching spec.md's "no ACL in the core" stance - this lives strictly
	// at the transport boundary.
	TransportConf struct {
		AuthSecret string       `json:"auth_secret,omitempty"`
		TokenTTL   cos.Duration `json:"token_ttl"`
	}

	TTLConf struct {
		SweepInterval cos.Duration `json:"sweep_interval"`
	}

	FabricConf struct {
		QueueDepth           int          `json:"queue_depth"`
		HeartbeatFloor       cos.Duration `json:"heartbeat_floor"`
		DropLaggardByDefault bool         `json:"drop_laggard_by_default"`
	}

	SupervisorConf struct {
		RestartDelay cos.Duration `json:"restart_delay"`
	}
)

func (c *Config) Validate() error {
	if c.StoreDir == "" {
		return ErrInvalidArgument("config: store_dir is required")
	}
	if c.SocketPath == "" {
		return ErrInvalidArgument("config: socket_path is required")
	}
	if c.TTL.SweepInterval.D() <= 0 {
		return ErrInvalidArgument("config: ttl.sweep_interval must be positive")
	}
	if c.Fabric.QueueDepth <= 0 {
		return ErrInvalidArgument("config: fabric.queue_depth must be positive")
	}
	if c.Supervisor.RestartDelay.D() < 0 {
		return ErrInvalidArgument("config: supervisor.restart_delay must be non-negative")
	}
	return nil
}

// DefaultConfig mirrors the defaults spec.md calls out by name: a ~1s
// generator restart delay (§4.8), an implementation-defined TTL sweep
// interval (§4.3).
func DefaultConfig(storeDir, socketPath string) *Config {
	return &Config{
		StoreDir:   storeDir,
		SocketPath: socketPath,
		TTL:        TTLConf{SweepInterval: cos.Duration(30e9)},
		Fabric: FabricConf{
			QueueDepth:     256,
			HeartbeatFloor: cos.Duration(1e9),
		},
		Supervisor: SupervisorConf{RestartDelay: cos.Duration(1e9)},
		Transport:  TransportConf{TokenTTL: cos.Duration(24 * 3600e9)},
	}
}

// globalConfigOwner is the same atomic-pointer singleton pattern as the
// teacher's cmn.GCO: readers never block on writers, writers replace the
// whole Config atomically.
type globalConfigOwner struct {
	c atomic.Pointer[Config]
}

var GCO = &globalConfigOwner{}

func (g *globalConfigOwner) Get() *Config       { return g.c.Load() }
func (g *globalConfigOwner) Put(config *Config) { g.c.Store(config) }

// LoadConfig reads path via cmn/jsp, validates, and installs it into GCO.
func LoadConfig(path string) (*Config, error) {
	config := &Config{}
	if err := jsp.Load(path, config, jsp.Plain()); err != nil {
		return nil, ErrIo(err, "failed to load config from %s", path)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	GCO.Put(config)
	return config, nil
}

// SaveConfig durably persists config to path (tmp-then-rename, per
// cmn/jsp), the same way the teacher saves -config_custom overrides.
func SaveConfig(path string, config *Config) error {
	return jsp.Save(path, config, jsp.Plain())
}
