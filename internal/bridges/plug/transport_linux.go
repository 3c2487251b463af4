//go:build linux

package plug

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// defaultRouteInterfaces returns the names of the links holding a
// default route, IPv4 or IPv6.
func defaultRouteInterfaces() (map[string]bool, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_ALL)
	if err != nil {
		return nil, fmt.Errorf("listing routes: %w", err)
	}
	return defaultRouteNames(routes, func(index int) (string, error) {
		link, err := netlink.LinkByIndex(index)
		if err != nil {
			return "", err
		}
		return link.Attrs().Name, nil
	}), nil
}

// defaultRouteNames picks the default routes out of routes and resolves
// their link names. Links that vanish between the two calls are skipped.
func defaultRouteNames(routes []netlink.Route, nameOf func(int) (string, error)) map[string]bool {
	routed := make(map[string]bool)
	for _, r := range routes {
		if !isDefaultRoute(r.Dst) || r.LinkIndex == 0 {
			continue
		}
		name, err := nameOf(r.LinkIndex)
		if err != nil {
			continue
		}
		routed[name] = true
	}
	return routed
}

// isDefaultRoute reports whether dst is absent or a zero-length prefix.
// Kernels report the default route either way depending on family.
func isDefaultRoute(dst *net.IPNet) bool {
	if dst == nil {
		return true
	}
	ones, _ := dst.Mask.Size()
	return ones == 0 && dst.IP.IsUnspecified()
}

// watchNetwork subscribes to rtnetlink address and link updates.
func watchNetwork(ctx context.Context, onChange func()) error {
	done := make(chan struct{})
	defer close(done)

	addrs := make(chan netlink.AddrUpdate, 16)
	if err := netlink.AddrSubscribe(addrs, done); err != nil {
		return fmt.Errorf("subscribing to address updates: %w", err)
	}
	links := make(chan netlink.LinkUpdate, 16)
	if err := netlink.LinkSubscribe(links, done); err != nil {
		return fmt.Errorf("subscribing to link updates: %w", err)
	}

	return watchUpdates(ctx, addrs, links, onChange)
}

// watchUpdates calls onChange for every update until ctx is cancelled.
// A closed channel means the subscription failed and is reported as an
// error so the caller can fall back to the cache TTL.
func watchUpdates(ctx context.Context, addrs <-chan netlink.AddrUpdate, links <-chan netlink.LinkUpdate, onChange func()) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-addrs:
			if !ok {
				return errors.New("address update feed closed")
			}
			onChange()
		case _, ok := <-links:
			if !ok {
				return errors.New("link update feed closed")
			}
			onChange()
		}
	}
}
