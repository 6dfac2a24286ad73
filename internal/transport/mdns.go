package transport

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

const (
	serviceType    = "_tacsync._tcp"
	browseInterval = 15 * time.Second
)

// discovery advertises this node on the LAN and dials peers it finds.
// Both sides discovering each other would produce duplicate links, so
// only the lexicographically larger site id dials.
type discovery struct {
	server *mdns.Server
}

func startDiscovery(ctx context.Context, t *Transport) (*discovery, error) {
	_, portStr, err := net.SplitHostPort(t.cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("mdns needs a listen address with port: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid listen port %q: %w", portStr, err)
	}

	host, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("could not get hostname: %w", err)
	}

	instance := host
	if len(t.site) >= 8 {
		instance = host + "-" + string(t.site)[:8]
	}

	service, err := mdns.NewMDNSService(
		instance,
		serviceType,
		"",
		"",
		port,
		nil,
		[]string{"site=" + string(t.site)},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("failed to start mDNS server: %w", err)
	}

	d := &discovery{server: server}
	go d.browseLoop(ctx, t)

	t.log.Info("mdns discovery started", "service", serviceType, "port", port)
	return d, nil
}

func (d *discovery) browseLoop(ctx context.Context, t *Transport) {
	ticker := time.NewTicker(browseInterval)
	defer ticker.Stop()

	d.browseOnce(t)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.browseOnce(t)
		}
	}
}

func (d *discovery) browseOnce(t *Transport) {
	entries := make(chan *mdns.ServiceEntry, 8)
	go func() {
		for e := range entries {
			if e.AddrV4 == nil || e.Port == 0 {
				continue
			}

			remoteSite := siteFromInfo(e.InfoFields)
			if remoteSite == string(t.site) {
				continue
			}
			// Single link per pair: the larger site id dials.
			if remoteSite != "" && string(t.site) < remoteSite {
				continue
			}

			addr := fmt.Sprintf("ws://%s:%d/sync", e.AddrV4.String(), e.Port)
			if err := t.ConnectPeer(addr); err != nil {
				t.log.Debug("discovered peer not reachable", "addr", addr, "error", err)
			}
		}
	}()

	if err := mdns.Lookup(serviceType, entries); err != nil {
		t.log.Debug("mdns lookup failed", "error", err)
	}
	close(entries)
}

func siteFromInfo(fields []string) string {
	for _, f := range fields {
		if site, ok := strings.CutPrefix(f, "site="); ok {
			return site
		}
	}
	return ""
}

func (d *discovery) shutdown() {
	if d.server != nil {
		_ = d.server.Shutdown()
	}
}
