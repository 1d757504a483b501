package state

import (
	"fmt"
	"path"
	"regexp"
	"slices"

	"github.com/encodeous/rpl/protocol"
)

var namePattern, _ = regexp.Compile("^[0-9a-z._-]+$")

func NameValidator(s string) error {
	if !namePattern.MatchString(s) {
		return fmt.Errorf("%s is not a valid name, must match pattern %s", s, namePattern.String())
	}
	if len(s) > 100 {
		return fmt.Errorf("len(\"%s\") = %d > 100 is too long", s, len(s))
	}
	return nil
}

func MemoryValidator(m MemoryCfg) error {
	if m.Soft < 0 || m.Hard < 0 {
		return fmt.Errorf("memory limits must not be negative")
	}
	if m.Hard != 0 && m.Soft > m.Hard {
		return fmt.Errorf("memory.soft = %d exceeds memory.hard = %d", m.Soft, m.Hard)
	}
	return nil
}

func DodagConfValidator(c *protocol.DodagConf) error {
	if c.MinHopRankIncrease == 0 {
		return fmt.Errorf("min_hop_rank_increase must not be 0")
	}
	if c.PathControlSize > 7 {
		return fmt.Errorf("path_control_size = %d > 7", c.PathControlSize)
	}
	if c.LifetimeUnit == 0 {
		return fmt.Errorf("lifetime_unit must not be 0")
	}
	if c.ObjectiveCodePoint != OCPZero && c.ObjectiveCodePoint != OCPMrhof {
		return fmt.Errorf("objective_code_point %d is not supported", c.ObjectiveCodePoint)
	}
	return nil
}

func RootValidator(r *RootCfg) error {
	if !r.DodagID.IsValid() || !r.DodagID.Is6() || r.DodagID.Is4In6() {
		return fmt.Errorf("dodag_id %q is not an IPv6 address", r.DodagID)
	}
	if r.DodagID.IsLinkLocalUnicast() || r.DodagID.IsMulticast() {
		return fmt.Errorf("dodag_id %s must be a routable unicast address", r.DodagID)
	}
	if r.Mop >= 4 {
		return fmt.Errorf("mop %d is reserved", r.Mop)
	}
	if r.Preference > protocol.PrfMask {
		return fmt.Errorf("preference %d > %d", r.Preference, protocol.PrfMask)
	}
	conf := r.DodagConf()
	if err := DodagConfValidator(&conf); err != nil {
		return fmt.Errorf("dodag %s: %w", r.DodagID, err)
	}
	for _, p := range r.Prefixes {
		if !p.Prefix.IsValid() || !p.Prefix.Addr().Is6() {
			return fmt.Errorf("dodag %s: prefix %s is not an IPv6 prefix", r.DodagID, p.Prefix)
		}
	}
	for _, rt := range r.Routes {
		if !rt.Prefix.IsValid() || !rt.Prefix.Addr().Is6() {
			return fmt.Errorf("dodag %s: route %s is not an IPv6 prefix", r.DodagID, rt.Prefix)
		}
		if rt.Preference > 3 {
			return fmt.Errorf("dodag %s: route preference %d > 3", r.DodagID, rt.Preference)
		}
	}
	return nil
}

func ConfigValidator(cfg *Config) error {
	if err := MemoryValidator(cfg.Memory); err != nil {
		return err
	}
	if cfg.StorePath != "" && path.Base(cfg.StorePath) == "." {
		return fmt.Errorf("store_path %q is not a file", cfg.StorePath)
	}
	if cfg.Policy.RefreshMaxPercent > 100 || cfg.Policy.RefreshMinPercent > 100 {
		return fmt.Errorf("refresh percentages must be <= 100")
	}
	if cfg.Policy.RefreshMaxPercent != 0 && cfg.Policy.RefreshMinPercent > cfg.Policy.RefreshMaxPercent {
		return fmt.Errorf("refresh_min_percent %d > refresh_max_percent %d", cfg.Policy.RefreshMinPercent, cfg.Policy.RefreshMaxPercent)
	}
	names := make([]string, 0)
	ifaces := make([]string, 0)
	for _, d := range cfg.Domains {
		if err := NameValidator(d.Name); err != nil {
			return err
		}
		if slices.Contains(names, d.Name) {
			return fmt.Errorf("duplicate domain %s", d.Name)
		}
		names = append(names, d.Name)
		if len(d.Interfaces) == 0 {
			return fmt.Errorf("domain %s has no interfaces", d.Name)
		}
		for _, iface := range d.Interfaces {
			if slices.Contains(ifaces, iface) {
				return fmt.Errorf("interface %s is used by more than one domain", iface)
			}
			ifaces = append(ifaces, iface)
		}
		if d.Downstream != "" && slices.Contains(d.Interfaces, d.Downstream) {
			return fmt.Errorf("domain %s: downstream interface %s is also an rpl interface", d.Name, d.Downstream)
		}
		type key struct {
			id    uint8
			dodag string
		}
		seen := make([]key, 0)
		for i := range d.Roots {
			r := &d.Roots[i]
			if err := RootValidator(r); err != nil {
				return fmt.Errorf("domain %s: %w", d.Name, err)
			}
			k := key{id: r.InstanceID}
			if r.InstanceID&LocalInstanceFlag != 0 {
				k.dodag = r.DodagID.String()
			}
			if slices.Contains(seen, k) {
				return fmt.Errorf("domain %s: duplicate instance id %d", d.Name, r.InstanceID)
			}
			seen = append(seen, k)
		}
	}
	return nil
}
