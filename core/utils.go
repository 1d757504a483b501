package core

import (
	"net/netip"
	"time"
)

func AddrToPrefix(addr netip.Addr) netip.Prefix {
	res, err := addr.Prefix(addr.BitLen())
	if err != nil {
		panic(err)
	}
	return res
}

func secondsToDuration(secs uint32) time.Duration {
	return time.Duration(secs) * time.Second
}

// isGlobal reports whether an address can name this node across the DODAG.
func isGlobal(a netip.Addr) bool {
	return a.IsValid() && a.Is6() && !a.Is4In6() && a.IsGlobalUnicast() && !a.IsLinkLocalUnicast()
}
