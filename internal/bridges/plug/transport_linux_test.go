//go:build linux

package plug

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vishvananda/netlink"
)

func TestDefaultRouteNames(t *testing.T) {
	_, lan, _ := net.ParseCIDR("192.168.1.0/24")
	_, anyV4, _ := net.ParseCIDR("0.0.0.0/0")
	_, anyV6, _ := net.ParseCIDR("::/0")

	names := map[int]string{2: "eth0", 3: "wlan0", 4: "docker0"}
	nameOf := func(i int) (string, error) {
		if n, ok := names[i]; ok {
			return n, nil
		}
		return "", errors.New("link not found")
	}

	routes := []netlink.Route{
		{LinkIndex: 2, Dst: nil},
		{LinkIndex: 2, Dst: lan},
		{LinkIndex: 3, Dst: anyV6},
		{LinkIndex: 4, Dst: lan},
		{LinkIndex: 9, Dst: anyV4}, // link gone
		{LinkIndex: 0, Dst: nil},   // blackhole, no link
	}

	got := defaultRouteNames(routes, nameOf)
	want := map[string]bool{"eth0": true, "wlan0": true}
	if len(got) != len(want) {
		t.Fatalf("defaultRouteNames() = %v, want %v", got, want)
	}
	for name := range want {
		if !got[name] {
			t.Errorf("%s missing from %v", name, got)
		}
	}
}

func TestWatchUpdatesCallsOnChange(t *testing.T) {
	addrs := make(chan netlink.AddrUpdate, 1)
	links := make(chan netlink.LinkUpdate, 1)
	var calls atomic.Int32

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- watchUpdates(ctx, addrs, links, func() { calls.Add(1) }) }()

	addrs <- netlink.AddrUpdate{NewAddr: true}
	links <- netlink.LinkUpdate{}
	waitFor(t, "two change callbacks", func() bool { return calls.Load() == 2 })

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("watchUpdates() error = %v, want nil on cancel", err)
		}
	case <-time.After(time.Second):
		t.Fatal("watchUpdates() did not return after cancel")
	}
}

func TestWatchUpdatesClosedFeed(t *testing.T) {
	addrs := make(chan netlink.AddrUpdate)
	links := make(chan netlink.LinkUpdate)
	close(links)

	if err := watchUpdates(context.Background(), addrs, links, func() {}); err == nil {
		t.Error("watchUpdates() error = nil, want error for closed feed")
	}
}
