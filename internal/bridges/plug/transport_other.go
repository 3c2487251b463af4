//go:build !linux

package plug

import "context"

// defaultRouteInterfaces has no route source here; every up interface
// qualifies.
func defaultRouteInterfaces() (map[string]bool, error) {
	return nil, nil
}

func watchNetwork(context.Context, func()) error {
	return ErrNetworkWatchUnsupported
}
