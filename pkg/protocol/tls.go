package protocol

import (
	"crypto/tls"
	"fmt"
	"sort"
	"strings"
)

// DefaultTLSHostName is the virtual-host key used when no explicit
// hostname matches the SNI sent by a client.
const DefaultTLSHostName = "_default_"

// TLSHostConfig binds a certificate to one TLS virtual host. A handler
// keyed with a DefaultTLSHostName entry serves clients that send no SNI
// or an unknown name.
type TLSHostConfig struct {
	// Hostname the configuration applies to, lowercase. "*." prefixes
	// declare a wildcard.
	Hostname string

	// Certificate presented for the host.
	Certificate tls.Certificate

	// MinVersion optionally raises the minimum TLS version, e.g.
	// tls.VersionTLS13. Zero keeps the library default.
	MinVersion uint16
}

// AddTLSHostConfig registers a virtual-host configuration. Duplicate
// hostnames are rejected. Only effective before Init.
func (h *baseHandler) AddTLSHostConfig(cfg *TLSHostConfig) error {
	if cfg == nil || cfg.Hostname == "" {
		return fmt.Errorf("protocol %s: TLS host config requires a hostname", h.name)
	}
	name := strings.ToLower(cfg.Hostname)

	h.tlsMu.Lock()
	defer h.tlsMu.Unlock()
	if _, exists := h.tlsHosts[name]; exists {
		return fmt.Errorf("protocol %s: duplicate TLS host config for %q", h.name, name)
	}
	h.tlsHosts[name] = cfg
	return nil
}

// FindTLSHostConfigs returns the registered virtual-host configurations,
// ordered by hostname.
func (h *baseHandler) FindTLSHostConfigs() []*TLSHostConfig {
	h.tlsMu.RLock()
	defer h.tlsMu.RUnlock()
	out := make([]*TLSHostConfig, 0, len(h.tlsHosts))
	for _, cfg := range h.tlsHosts {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out
}

// buildTLSConfig assembles the listener-level tls.Config, resolving
// certificates by SNI with wildcard and default fallbacks.
func (h *baseHandler) buildTLSConfig() (*tls.Config, error) {
	h.tlsMu.RLock()
	defer h.tlsMu.RUnlock()

	var minVersion uint16
	for _, cfg := range h.tlsHosts {
		if cfg.MinVersion > minVersion {
			minVersion = cfg.MinVersion
		}
	}

	hosts := make(map[string]*TLSHostConfig, len(h.tlsHosts))
	for name, cfg := range h.tlsHosts {
		hosts[name] = cfg
	}

	return &tls.Config{
		MinVersion: minVersion,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			name := strings.ToLower(hello.ServerName)
			if cfg, ok := hosts[name]; ok {
				return &cfg.Certificate, nil
			}
			if i := strings.IndexByte(name, '.'); i > 0 {
				if cfg, ok := hosts["*"+name[i:]]; ok {
					return &cfg.Certificate, nil
				}
			}
			if cfg, ok := hosts[DefaultTLSHostName]; ok {
				return &cfg.Certificate, nil
			}
			return nil, fmt.Errorf("no certificate for server name %q", hello.ServerName)
		},
	}, nil
}
