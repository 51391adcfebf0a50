package security

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// URLConfig configures outbound URL checks for remote workers.
type URLConfig struct {
	// AllowedHosts restricts targets to these hostnames when non-empty.
	AllowedHosts []string
	// AllowedSchemes defaults to http and https.
	AllowedSchemes []string
	// AllowLocalhost lets loopback targets through.
	AllowLocalhost bool
	// BlockPrivateIPs rejects RFC 1918 and unique-local targets.
	BlockPrivateIPs bool
	// BlockMetadata rejects the cloud metadata endpoint.
	BlockMetadata bool
	// BlockLinkLocal rejects link-local targets.
	BlockLinkLocal bool
}

// DefaultURLConfig allows loopback and blocks everything internal.
func DefaultURLConfig() URLConfig {
	return URLConfig{
		AllowedSchemes:  []string{"http", "https"},
		AllowLocalhost:  true,
		BlockPrivateIPs: true,
		BlockMetadata:   true,
		BlockLinkLocal:  true,
	}
}

// URLGuard rejects URLs that resolve to addresses a worker must not reach.
type URLGuard struct {
	config       URLConfig
	allowedHosts map[string]bool
	lookupIP     func(host string) ([]net.IP, error)
}

func NewURLGuard(config URLConfig) *URLGuard {
	if len(config.AllowedSchemes) == 0 {
		config.AllowedSchemes = []string{"http", "https"}
	}
	allowed := make(map[string]bool)
	for _, host := range config.AllowedHosts {
		allowed[strings.ToLower(host)] = true
	}
	return &URLGuard{config: config, allowedHosts: allowed, lookupIP: net.LookupIP}
}

// ValidateURL checks scheme, host allowlist and resolved addresses.
func (g *URLGuard) ValidateURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	schemeAllowed := false
	for _, scheme := range g.config.AllowedSchemes {
		if strings.EqualFold(parsed.Scheme, scheme) {
			schemeAllowed = true
			break
		}
	}
	if !schemeAllowed {
		return fmt.Errorf("invalid URL scheme: %s (only %v allowed)", parsed.Scheme, g.config.AllowedSchemes)
	}
	return g.ValidateHost(parsed.Hostname())
}

// ValidateHost checks the allowlist and every address host resolves to.
func (g *URLGuard) ValidateHost(host string) error {
	if len(g.allowedHosts) > 0 && !g.allowedHosts[strings.ToLower(host)] {
		return fmt.Errorf("host not in allowlist: %s", host)
	}
	if g.config.AllowLocalhost && strings.EqualFold(host, "localhost") {
		return nil
	}

	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		resolved, err := g.lookupIP(host)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", host, err)
		}
		ips = resolved
	}
	for _, ip := range ips {
		if err := g.ValidateIP(ip); err != nil {
			return fmt.Errorf("invalid IP address: %w", err)
		}
	}
	return nil
}

// ValidateIP rejects blocked address classes.
func (g *URLGuard) ValidateIP(ip net.IP) error {
	if ip.IsLoopback() {
		if g.config.AllowLocalhost {
			return nil
		}
		return fmt.Errorf("loopback addresses not allowed: %s", ip)
	}
	if g.config.BlockMetadata && ip.Equal(net.IPv4(169, 254, 169, 254)) {
		return fmt.Errorf("metadata service address blocked: %s", ip)
	}
	if g.config.BlockPrivateIPs && ip.IsPrivate() {
		return fmt.Errorf("private IP addresses not allowed: %s", ip)
	}
	if g.config.BlockLinkLocal && (ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()) {
		return fmt.Errorf("link-local addresses not allowed: %s", ip)
	}
	if ip.IsMulticast() {
		return fmt.Errorf("multicast addresses not allowed: %s", ip)
	}
	return nil
}

// Transport re-checks the host at dial time, so a DNS answer that changes
// after ValidateURL cannot redirect the connection.
func (g *URLGuard) Transport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				host = addr
			}
			if err := g.ValidateHost(host); err != nil {
				return nil, fmt.Errorf("connection blocked: %w", err)
			}
			return dialer.DialContext(ctx, network, addr)
		},
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
