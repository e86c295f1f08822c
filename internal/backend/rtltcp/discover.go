package rtltcp

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"sdr-source/internal/args"
)

const (
	serviceType = "_rtl_tcp._tcp"
	domain      = "local."

	// DefaultDiscoveryTimeout bounds an mDNS browse when the caller gives no deadline.
	DefaultDiscoveryTimeout = 2 * time.Second
)

// Server is an rtl_tcp server announced over mDNS.
type Server struct {
	Instance string
	Hostname string
	Address  string
	Port     int
}

// Discover browses the local network for rtl_tcp servers until ctx expires.
// Entries are deduplicated by host and port and sorted by instance name.
func Discover(ctx context.Context) ([]Server, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultDiscoveryTimeout)
		defer cancel()
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(map[string]Server)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					return
				}
				if e == nil {
					continue
				}
				if s, ok := serverFromEntry(e); ok {
					found[fmt.Sprintf("%s|%d", s.Hostname, s.Port)] = s
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, serviceType, domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse %s: %w", serviceType, err)
	}
	<-done

	servers := make([]Server, 0, len(found))
	for _, s := range found {
		servers = append(servers, s)
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Instance < servers[j].Instance })
	return servers, nil
}

func serverFromEntry(e *zeroconf.ServiceEntry) (Server, bool) {
	var addr net.IP
	switch {
	case len(e.AddrIPv4) > 0:
		addr = e.AddrIPv4[0]
	case len(e.AddrIPv6) > 0:
		addr = e.AddrIPv6[0]
	default:
		return Server{}, false
	}
	return Server{
		Instance: strings.ReplaceAll(e.Instance, `\ `, " "),
		Hostname: e.HostName,
		Address:  net.JoinHostPort(addr.String(), strconv.Itoa(e.Port)),
		Port:     e.Port,
	}, true
}

// DeviceArgs renders s as a device group, e.g. "label='Bob\'s rig',rtl_tcp=10.0.0.5:1234".
func (s Server) DeviceArgs() string {
	return args.Dict{Name: s.Address, "label": s.Instance}.String()
}

// Enumerate lists announced rtl_tcp servers as device groups.
func Enumerate(ctx context.Context) ([]string, error) {
	servers, err := Discover(ctx)
	if err != nil {
		return nil, err
	}
	devices := make([]string, 0, len(servers))
	for _, s := range servers {
		devices = append(devices, s.DeviceArgs())
	}
	return devices, nil
}
