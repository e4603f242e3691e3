// Package mdns provides optional mDNS/Bonjour service advertisement.
//
// When enabled, the host advertises its HTTP API on the local network
// using DNS-SD so operators and tools can find it without typing an
// address. This is opt-in.
//
// The advertisement includes:
//   - Service type: _pairhost._tcp
//   - TXT records with version, name, whether a token is required and,
//     when serving HTTPS, the certificate fingerprint
//
// Discovery only reveals presence; the API token is still required.
package mdns

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
)

// ServiceType is the mDNS service type for pairhost instances.
const ServiceType = "_pairhost._tcp"

// ProtocolVersion identifies the HTTP API version for compatibility.
const ProtocolVersion = "1"

// Config holds configuration for mDNS advertisement.
type Config struct {
	// Port is the server port to advertise (e.g., 7080).
	Port int

	// Name is a human-readable name for this host.
	// Defaults to the system hostname if empty.
	Name string

	// RequireAuth is advertised so clients know to send a token.
	RequireAuth bool

	// Fingerprint is the TLS certificate fingerprint. Empty means the
	// host serves plain HTTP.
	Fingerprint string

	Logger zerolog.Logger
}

// Advertiser manages mDNS/DNS-SD service registration.
type Advertiser struct {
	config Config
	server *zeroconf.Server
	mu     sync.Mutex
}

// NewAdvertiser creates a new mDNS advertiser with the given configuration.
func NewAdvertiser(cfg Config) *Advertiser {
	return &Advertiser{config: cfg}
}

// instanceName returns the configured name or the hostname.
func (a *Advertiser) instanceName() string {
	if a.config.Name != "" {
		return a.config.Name
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "pairhost"
	}
	return hostname
}

// txtRecords builds the TXT metadata. Each string must stay under 255 bytes.
func (a *Advertiser) txtRecords(name string) []string {
	auth := "0"
	if a.config.RequireAuth {
		auth = "1"
	}
	txt := []string{
		"version=" + ProtocolVersion,
		"name=" + name,
		"auth=" + auth,
	}
	if a.config.Fingerprint != "" {
		txt = append(txt, "fp="+a.config.Fingerprint)
	}
	return txt
}

// Start begins advertising the service. Calling it while already
// running is a no-op.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return nil
	}
	if a.config.Port <= 0 {
		return fmt.Errorf("mdns: invalid port %d", a.config.Port)
	}

	name := a.instanceName()
	server, err := zeroconf.Register(name, ServiceType, "local.", a.config.Port, a.txtRecords(name), nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	a.server = server
	a.config.Logger.Info().Str("name", name).Int("port", a.config.Port).Msg("mdns: advertising")
	return nil
}

// Stop unregisters the service. It is safe to call on an advertiser that
// was never started.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// IsRunning returns true if the advertiser is currently running.
func (a *Advertiser) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// DiscoveredHost is a host found via mDNS discovery.
type DiscoveredHost struct {
	Name        string `json:"name"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Version     string `json:"version"`
	RequireAuth bool   `json:"require_auth"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// Address returns host:port, bracketing IPv6 literals.
func (h DiscoveredHost) Address() string {
	if strings.Contains(h.Host, ":") {
		return fmt.Sprintf("[%s]:%d", h.Host, h.Port)
	}
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// parseEntry converts a zeroconf entry into a DiscoveredHost.
func parseEntry(entry *zeroconf.ServiceEntry) DiscoveredHost {
	host := DiscoveredHost{
		Name: entry.Instance,
		Port: entry.Port,
	}

	// Prefer IPv4.
	if len(entry.AddrIPv4) > 0 {
		host.Host = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		host.Host = entry.AddrIPv6[0].String()
	}

	for _, txt := range entry.Text {
		key, value, ok := strings.Cut(txt, "=")
		if !ok {
			continue
		}
		switch key {
		case "version":
			host.Version = value
		case "name":
			host.Name = value
		case "auth":
			host.RequireAuth = value == "1"
		case "fp":
			host.Fingerprint = value
		}
	}
	return host
}

// Discover browses for pairhost instances until ctx is done.
func Discover(ctx context.Context) ([]DiscoveredHost, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	var (
		hosts []DiscoveredHost
		wg    sync.WaitGroup
	)

	entries := make(chan *zeroconf.ServiceEntry)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			hosts = append(hosts, parseEntry(entry))
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	// zeroconf closes entries once ctx is done.
	<-ctx.Done()
	wg.Wait()

	return hosts, nil
}
