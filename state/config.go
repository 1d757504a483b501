package state

import (
	"fmt"
	"net/netip"
	"os"

	"github.com/encodeous/rpl/protocol"
	"github.com/goccy/go-yaml"
)

// Config is the node-level configuration of an RPL daemon.
type Config struct {
	LogPath   string      `yaml:"log_path,omitempty"`   // if not empty, logs are also written to this file
	Verbose   bool        `yaml:"verbose,omitempty"`    // debug logging
	StorePath string      `yaml:"store_path,omitempty"` // sqlite database for sequence counters, empty keeps them in memory
	Memory    MemoryCfg   `yaml:"memory,omitempty"`
	Policy    Policy      `yaml:"policy,omitempty"`
	Domains   []DomainCfg `yaml:"domains"`
}

type MemoryCfg struct {
	Soft int `yaml:"soft,omitempty"`
	Hard int `yaml:"hard,omitempty"`
}

type DomainCfg struct {
	Name       string    `yaml:"name"`
	Interfaces []string  `yaml:"interfaces"`
	ForceLeaf  bool      `yaml:"force_leaf,omitempty"`
	Downstream string    `yaml:"non_storing_downstream_interface,omitempty"`
	Roots      []RootCfg `yaml:"roots,omitempty"`
}

type RootCfg struct {
	InstanceID uint8               `yaml:"instance_id"`
	DodagID    netip.Addr          `yaml:"dodag_id"`
	Mop        uint8               `yaml:"mop"`
	Preference uint8               `yaml:"preference,omitempty"`
	Grounded   bool                `yaml:"grounded,omitempty"`
	Config     *protocol.DodagConf `yaml:"config,omitempty"` // defaults to DefaultDodagConf
	Prefixes   []PrefixCfg         `yaml:"prefixes,omitempty"`
	Routes     []RouteCfg          `yaml:"routes,omitempty"`
}

type PrefixCfg struct {
	Prefix            netip.Prefix `yaml:"prefix"`
	OnLink            bool         `yaml:"on_link,omitempty"`
	Autonomous        bool         `yaml:"autonomous,omitempty"`
	RouterAddress     bool         `yaml:"router_address,omitempty"`
	ValidLifetime     uint32       `yaml:"valid_lifetime,omitempty"`
	PreferredLifetime uint32       `yaml:"preferred_lifetime,omitempty"`
}

type RouteCfg struct {
	Prefix     netip.Prefix `yaml:"prefix"`
	Preference uint8        `yaml:"preference,omitempty"`
	Lifetime   uint32       `yaml:"lifetime,omitempty"`
}

// DodagConf returns the configured DODAG configuration or the default.
func (r *RootCfg) DodagConf() protocol.DodagConf {
	if r.Config == nil {
		return DefaultDodagConf
	}
	return *r.Config
}

func (p *PrefixCfg) PrefixInfo() protocol.PrefixInfo {
	var flags uint8
	if p.OnLink {
		flags |= protocol.PrefixFlagL
	}
	if p.Autonomous {
		flags |= protocol.PrefixFlagA
	}
	if p.RouterAddress {
		flags |= protocol.PrefixFlagR
	}
	valid, preferred := p.ValidLifetime, p.PreferredLifetime
	if valid == 0 {
		valid = ^uint32(0)
	}
	if preferred == 0 {
		preferred = valid
	}
	return protocol.PrefixInfo{Prefix: p.Prefix, Flags: flags, ValidLifetime: valid, PreferredLifetime: preferred}
}

func (r *RouteCfg) RouteInfo() protocol.RouteInfo {
	lifetime := r.Lifetime
	if lifetime == 0 {
		lifetime = ^uint32(0)
	}
	return protocol.RouteInfo{Prefix: r.Prefix.Masked(), Preference: r.Preference, Lifetime: lifetime}
}

// ParseConfig decodes and validates a YAML configuration.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := ConfigValidator(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
