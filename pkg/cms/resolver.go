package cms

import (
	"net"
	"strings"

	"github.com/bft-labs/rtcms/pkg/nml"
)

// IsLocalServer decides whether this host serves the buffer of p.
//
// SHMEM and LOCAL buffers live on this host, so any participant may create
// them. A TCP buffer is served here only when the process line asks for a
// server and names this host, either by hostname (case-insensitive, short
// or fully qualified) or by a loopback address.
func IsLocalServer(p nml.ProcessLine, hostname string) bool {
	switch t := p.Transport.(type) {
	case nml.Shmem, nml.Local:
		return true
	case nml.TCP:
		return p.SetToServer && sameHost(t.Host, hostname)
	default:
		return false
	}
}

func sameHost(host, hostname string) bool {
	if isLoopback(host) {
		return true
	}
	if hostname == "" {
		return false
	}
	host = strings.TrimSuffix(host, ".")
	hostname = strings.TrimSuffix(hostname, ".")
	if strings.EqualFold(host, hostname) {
		return true
	}
	// "motion" and "motion.lab.example" name the same machine.
	return strings.EqualFold(shortName(host), shortName(hostname)) &&
		(!strings.Contains(host, ".") || !strings.Contains(hostname, "."))
}

func shortName(h string) string {
	if net.ParseIP(h) != nil {
		return h
	}
	short, _, _ := strings.Cut(h, ".")
	return short
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
