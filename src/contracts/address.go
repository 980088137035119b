package contracts

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Address is a host/port pair a reply listener binds to or advertises.
type Address struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ParseAddress parses "host:port". A missing or empty port yields 0, which
// asks the OS for an ephemeral port when binding.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, nil
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// No port separator: treat the whole string as a host.
		if !strings.Contains(s, ":") || strings.Count(s, ":") > 1 && !strings.HasPrefix(s, "[") {
			return Address{Host: s}, nil
		}
		return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}

	if portStr == "" {
		return Address{Host: host}, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return Address{}, fmt.Errorf("invalid port in address %q", s)
	}
	return Address{Host: host, Port: port}, nil
}

// String returns the address in "host:port" form.
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Overlay returns a copy of a with the non-zero parts of o applied on top.
func (a Address) Overlay(o Address) Address {
	if o.Host != "" {
		a.Host = o.Host
	}
	if o.Port != 0 {
		a.Port = o.Port
	}
	return a
}
