//go:build !linux

package sys

import (
	"errors"
	"net/netip"
)

var errUnsupported = errors.New("kernel routing is only supported on linux")

func VerifyForwarding() error {
	return errUnsupported
}

func ConfigureRoute(ifID int, route netip.Prefix, via netip.Addr) error {
	return errUnsupported
}

func RemoveRoute(route netip.Prefix) error {
	return errUnsupported
}
