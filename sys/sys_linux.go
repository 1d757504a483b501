package sys

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
)

func VerifyForwarding() error {
	forward, err := os.ReadFile("/proc/sys/net/ipv6/conf/all/forwarding")
	if err != nil {
		return err
	}
	if string(forward) != "1\n" {
		return fmt.Errorf("IPv6 forwarding is not enabled. Please enable IPv6 forwarding to route for RPL children")
	}
	return nil
}

func ifName(ifID int) (string, error) {
	ifi, err := net.InterfaceByIndex(ifID)
	if err != nil {
		return "", fmt.Errorf("interface %d: %w", ifID, err)
	}
	return ifi.Name, nil
}

// ConfigureRoute installs or replaces an IPv6 route in the main table.
func ConfigureRoute(ifID int, route netip.Prefix, via netip.Addr) error {
	name, err := ifName(ifID)
	if err != nil {
		return err
	}
	args := []string{"-6", "route", "replace", route.String()}
	if via.IsValid() && via.WithZone("") != route.Addr() {
		args = append(args, "via", via.WithZone("").String())
	}
	args = append(args, "dev", name, "proto", strconv.Itoa(rtProtoRpl))
	return Exec("/usr/bin/ip", args...)
}

func RemoveRoute(route netip.Prefix) error {
	return Exec("/usr/bin/ip", "-6", "route", "del", route.String(), "proto", strconv.Itoa(rtProtoRpl))
}

// rtProtoRpl tags the routes we install so they can be told apart from others.
const rtProtoRpl = 99
