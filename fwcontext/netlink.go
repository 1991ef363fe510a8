package fwcontext

import (
	"fmt"
	"strings"

	"github.com/vishvananda/netlink"
)

// NetlinkResolver looks links up through rtnetlink.
type NetlinkResolver struct{}

func (NetlinkResolver) LinkNameByHardwareAddr(mac string) (string, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return "", err
	}
	for _, l := range links {
		attrs := l.Attrs()
		if attrs == nil || attrs.HardwareAddr == nil {
			continue
		}
		if strings.EqualFold(attrs.HardwareAddr.String(), mac) {
			return attrs.Name, nil
		}
	}
	return "", fmt.Errorf("no link with hardware address %s", mac)
}
