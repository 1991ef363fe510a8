// Package fwcontext reads iSCSI boot configuration published by firmware
// through the iBFT sysfs tree (/sys/firmware/ibft).
package fwcontext

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"k8s.io/klog/v2"
)

// DefaultRoot is the sysfs firmware directory.
const DefaultRoot = "/sys/firmware"

// ErrNoBootContext is returned when firmware exposes no iSCSI boot target.
var ErrNoBootContext = errors.New("no firmware iSCSI boot context")

// BootContext is one firmware boot target together with the NIC and
// initiator it is reached through.
type BootContext struct {
	InitiatorName string

	Iface        string
	MAC          string
	IPAddress    string
	Netmask      string
	Gateway      string
	PrimaryDNS   string
	SecondaryDNS string
	DHCP         string
	VLAN         string

	TargetName      string
	TargetIPAddress string
	TargetPort      int
	LUN             string
	CHAPName        string
	CHAPPassword    string
	CHAPNameIn      string
	CHAPPasswordIn  string
}

// LinkResolver maps a hardware address to a network device name.
type LinkResolver interface {
	LinkNameByHardwareAddr(mac string) (string, error)
}

// Reader reads boot contexts from an iBFT tree.
type Reader struct {
	fs       afero.Fs
	root     string
	resolver LinkResolver
}

// New returns a Reader for <root>/ibft. resolver may be nil, in which case
// only the sysfs device link is used to find the NIC name.
func New(fs afero.Fs, root string, resolver LinkResolver) *Reader {
	return &Reader{fs: fs, root: root, resolver: resolver}
}

func (r *Reader) ibft() string {
	return filepath.Join(r.root, "ibft")
}

func (r *Reader) attr(dir, name string) string {
	data, err := afero.ReadFile(r.fs, filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// kobjects returns the sorted <prefix>N directories under the iBFT root.
func (r *Reader) kobjects(prefix string) ([]string, error) {
	entries, err := afero.ReadDir(r.fs, r.ibft())
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			out = append(out, e.Name())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ni, _ := strconv.Atoi(strings.TrimPrefix(out[i], prefix))
		nj, _ := strconv.Atoi(strings.TrimPrefix(out[j], prefix))
		return ni < nj
	})
	return out, nil
}

// Targets returns one boot context per firmware target.
func (r *Reader) Targets() ([]BootContext, error) {
	targets, err := r.kobjects("target")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoBootContext
		}
		return nil, fmt.Errorf("could not read %s: %v", r.ibft(), err)
	}
	if len(targets) == 0 {
		return nil, ErrNoBootContext
	}
	initiator := r.attr(filepath.Join(r.ibft(), "initiator"), "initiator-name")

	out := make([]BootContext, 0, len(targets))
	for _, t := range targets {
		dir := filepath.Join(r.ibft(), t)
		ctx := BootContext{
			InitiatorName:   initiator,
			TargetName:      r.attr(dir, "target-name"),
			TargetIPAddress: r.attr(dir, "ip-addr"),
			LUN:             r.attr(dir, "lun"),
			CHAPName:        r.attr(dir, "chap-name"),
			CHAPPassword:    r.attr(dir, "chap-secret"),
			CHAPNameIn:      r.attr(dir, "rev-chap-name"),
			CHAPPasswordIn:  r.attr(dir, "rev-chap-secret"),
		}
		if p := r.attr(dir, "port"); p != "" {
			if ctx.TargetPort, err = strconv.Atoi(p); err != nil {
				return nil, fmt.Errorf("%s: bad port %q", dir, p)
			}
		}
		if ctx.TargetName == "" {
			klog.Warningf("fwcontext: %s has no target name, skipping", dir)
			continue
		}
		r.fillNIC(&ctx, "ethernet"+r.attr(dir, "nic-assoc"))
		out = append(out, ctx)
	}
	if len(out) == 0 {
		return nil, ErrNoBootContext
	}
	return out, nil
}

// Entry returns the first boot context.
func (r *Reader) Entry() (*BootContext, error) {
	targets, err := r.Targets()
	if err != nil {
		return nil, err
	}
	return &targets[0], nil
}

func (r *Reader) fillNIC(ctx *BootContext, nic string) {
	dir := filepath.Join(r.ibft(), nic)
	ctx.MAC = strings.ToLower(r.attr(dir, "mac"))
	ctx.IPAddress = r.attr(dir, "ip-addr")
	ctx.Netmask = r.attr(dir, "subnet-mask")
	ctx.Gateway = r.attr(dir, "gateway")
	ctx.PrimaryDNS = r.attr(dir, "primary-dns")
	ctx.SecondaryDNS = r.attr(dir, "secondary-dns")
	ctx.DHCP = r.attr(dir, "dhcp")
	ctx.VLAN = r.attr(dir, "vlan")
	ctx.Iface = r.netdev(dir, ctx.MAC)
}

// netdev finds the kernel name of the boot NIC, first through the sysfs
// device link and then by hardware address.
func (r *Reader) netdev(nicDir, mac string) string {
	if entries, err := afero.ReadDir(r.fs, filepath.Join(nicDir, "device", "net")); err == nil && len(entries) > 0 {
		return entries[0].Name()
	}
	if r.resolver == nil || mac == "" {
		return ""
	}
	name, err := r.resolver.LinkNameByHardwareAddr(mac)
	if err != nil {
		klog.V(2).Infof("fwcontext: no link with address %s: %v", mac, err)
		return ""
	}
	return name
}
