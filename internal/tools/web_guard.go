package tools

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// checkSSRF rejects URLs whose host points at loopback, private, or
// link-local address space. Callers re-check every redirect hop, so a
// public page cannot bounce the fetcher into the LAN.
func checkSSRF(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("missing hostname")
	}

	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") ||
		strings.HasSuffix(lower, ".local") || strings.HasSuffix(lower, ".internal") {
		return fmt.Errorf("host %s is not allowed", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkBlockedIP(ip, host)
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("cannot resolve host %s: %w", host, err)
	}
	for _, ip := range ips {
		if err := checkBlockedIP(ip, host); err != nil {
			return err
		}
	}
	return nil
}

func checkBlockedIP(ip net.IP, host string) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("host %s resolves to a loopback address", host)
	case ip.IsPrivate():
		return fmt.Errorf("host %s resolves to a private address", host)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("host %s resolves to a link-local address", host)
	case ip.IsUnspecified():
		return fmt.Errorf("host %s resolves to an unspecified address", host)
	}
	return nil
}
