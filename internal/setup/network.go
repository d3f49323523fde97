package setup

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// RouteTable inspects the host routing table.
type RouteTable struct {
	// List defaults to netlink.RouteList.
	List func(link netlink.Link, family int) ([]netlink.Route, error)
}

// HasDefaultRoute reports whether any IPv4 or IPv6 default route exists.
func (p RouteTable) HasDefaultRoute() (bool, error) {
	list := p.List
	if list == nil {
		list = netlink.RouteList
	}
	routes, err := list(nil, netlink.FAMILY_ALL)
	if err != nil {
		return false, fmt.Errorf("list routes: %w", err)
	}
	for _, route := range routes {
		if isDefault(route) {
			packageLogger.Debug("default route present", "gateway", route.Gw, "link_index", route.LinkIndex)
			return true, nil
		}
	}
	return false, nil
}

func isDefault(route netlink.Route) bool {
	if route.Dst == nil {
		return true
	}
	ones, _ := route.Dst.Mask.Size()
	return ones == 0 && route.Dst.IP.IsUnspecified()
}
