package state

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/encodeous/rpl/protocol"
	"github.com/stretchr/testify/assert"
)

func TestNameValidator_Valid(t *testing.T) {
	assert.NoError(t, NameValidator("1"))
	assert.NoError(t, NameValidator("wisun_0"))
	assert.NoError(t, NameValidator("mesh-a.lan"))
}

func TestNameValidator_Invalid(t *testing.T) {
	assert.Error(t, NameValidator("Mesh"))
	assert.Error(t, NameValidator("mesh name"))
	assert.Error(t, NameValidator(""))
	assert.Error(t, NameValidator(strings.Repeat("a", 200)))
}

func TestMemoryValidator(t *testing.T) {
	assert.NoError(t, MemoryValidator(MemoryCfg{}))
	assert.NoError(t, MemoryValidator(MemoryCfg{Soft: 100, Hard: 200}))
	assert.NoError(t, MemoryValidator(MemoryCfg{Soft: 100}))
	assert.ErrorContains(t, MemoryValidator(MemoryCfg{Soft: 300, Hard: 200}), "exceeds")
	assert.Error(t, MemoryValidator(MemoryCfg{Soft: -1}))
}

func TestDodagConfValidator(t *testing.T) {
	conf := DefaultDodagConf
	assert.NoError(t, DodagConfValidator(&conf))

	conf.MinHopRankIncrease = 0
	assert.ErrorContains(t, DodagConfValidator(&conf), "min_hop_rank_increase")

	conf = DefaultDodagConf
	conf.PathControlSize = 8
	assert.ErrorContains(t, DodagConfValidator(&conf), "path_control_size")

	conf = DefaultDodagConf
	conf.ObjectiveCodePoint = 9
	assert.ErrorContains(t, DodagConfValidator(&conf), "objective_code_point")
}

func TestRootValidator(t *testing.T) {
	root := RootCfg{InstanceID: 1, DodagID: netip.MustParseAddr("2001:db8::1"), Mop: protocol.MopNonStoring}
	assert.NoError(t, RootValidator(&root))

	bad := root
	bad.DodagID = netip.MustParseAddr("fe80::1")
	assert.Error(t, RootValidator(&bad))

	bad = root
	bad.DodagID = netip.MustParseAddr("10.0.0.1")
	assert.Error(t, RootValidator(&bad))

	bad = root
	bad.Mop = 5
	assert.ErrorContains(t, RootValidator(&bad), "reserved")

	bad = root
	bad.Routes = []RouteCfg{{Prefix: netip.MustParsePrefix("2001:db8:1::/48"), Preference: 4}}
	assert.ErrorContains(t, RootValidator(&bad), "preference")
}

func TestConfigValidator_Duplicates(t *testing.T) {
	root := RootCfg{InstanceID: 1, DodagID: netip.MustParseAddr("2001:db8::1")}
	cfg := &Config{Domains: []DomainCfg{
		{Name: "a", Interfaces: []string{"wpan0"}, Roots: []RootCfg{root, root}},
	}}
	assert.ErrorContains(t, ConfigValidator(cfg), "duplicate instance id 1")

	// local instance ids only clash within the same dodag
	local1 := RootCfg{InstanceID: 0x81, DodagID: netip.MustParseAddr("2001:db8::1")}
	local2 := RootCfg{InstanceID: 0x81, DodagID: netip.MustParseAddr("2001:db8::2")}
	cfg.Domains[0].Roots = []RootCfg{local1, local2}
	assert.NoError(t, ConfigValidator(cfg))

	cfg.Domains = append(cfg.Domains, DomainCfg{Name: "b", Interfaces: []string{"wpan0"}})
	assert.ErrorContains(t, ConfigValidator(cfg), "more than one domain")

	cfg.Domains[1] = DomainCfg{Name: "a", Interfaces: []string{"wpan1"}}
	assert.ErrorContains(t, ConfigValidator(cfg), "duplicate domain a")
}

func TestConfigValidator_Domain(t *testing.T) {
	cfg := &Config{Domains: []DomainCfg{{Name: "a"}}}
	assert.ErrorContains(t, ConfigValidator(cfg), "no interfaces")

	cfg.Domains[0].Interfaces = []string{"wpan0"}
	cfg.Domains[0].Downstream = "wpan0"
	assert.ErrorContains(t, ConfigValidator(cfg), "downstream")

	cfg.Domains[0].Downstream = "eth0"
	cfg.Policy.RefreshMinPercent = 80
	cfg.Policy.RefreshMaxPercent = 60
	assert.ErrorContains(t, ConfigValidator(cfg), "refresh_min_percent")
}
