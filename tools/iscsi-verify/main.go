package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	libiscsi "github.com/scaleoutsean/libiscsi-go"
	"github.com/scaleoutsean/libiscsi-go/config"
)

const (
	byPathDir = "/dev/disk/by-path"
	byIDDir   = "/dev/disk/by-id"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: iscsi-verify <target-portal>[:port] [target-portal...]")
		fmt.Println("Example: iscsi-verify 10.10.10.1 10.10.11.1:3261")
		os.Exit(1)
	}
	log.SetOutput(os.Stderr)

	fs := afero.NewOsFs()
	cfg, err := config.Load(fs, os.Getenv("ISCSI_CONFIG"))
	if err != nil {
		log.Fatalf("Loading configuration: %v", err)
	}
	ctx, err := libiscsi.Init(
		libiscsi.WithFs(fs),
		libiscsi.WithRecordRoot(cfg.Records.Root),
		libiscsi.WithSysfsRoot(cfg.Sysfs.Root),
		libiscsi.WithFirmwareRoot(cfg.Firmware.Root),
	)
	if err != nil {
		log.Fatalf("Initializing iSCSI context: %v", err)
	}
	defer ctx.Close()

	r := &reporter{ctx: ctx, fs: fs, out: csv.NewWriter(os.Stdout)}
	r.out.Write([]string{"Portal", "TargetIQN", "Status", "Devices", "WWIDs"})
	for _, portal := range os.Args[1:] {
		if err := r.report(portal); err != nil {
			// stderr keeps the CSV on stdout parseable
			log.WithField("portal", portal).Error(err)
		}
	}
	r.out.Flush()
	if err := r.out.Error(); err != nil {
		log.Fatal(err)
	}
}

type reporter struct {
	ctx *libiscsi.Context
	fs  afero.Fs
	out *csv.Writer
}

func splitPortal(portal string) (string, int, error) {
	host, port, err := net.SplitHostPort(portal)
	if err != nil {
		return strings.Trim(portal, "[]"), 0, nil
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return "", 0, fmt.Errorf("bad port in %q", portal)
	}
	return host, p, nil
}

func (r *reporter) report(portal string) error {
	address, port, err := splitPortal(portal)
	if err != nil {
		return err
	}
	nodes, err := r.ctx.DiscoverSendTargets(address, port, nil)
	if err != nil {
		return fmt.Errorf("discovery failed: %s", r.ctx.ErrorString())
	}

	sessions, err := r.ctx.GetSessionInfos()
	if err != nil && !errors.Is(err, libiscsi.ErrNotFound) {
		return fmt.Errorf("listing sessions failed: %s", r.ctx.ErrorString())
	}

	// one row per target portal, whatever the number of ifaces
	seen := map[string]bool{}
	for _, n := range nodes {
		p := net.JoinHostPort(n.Address, strconv.Itoa(n.Port))
		if seen[p+","+n.Name] {
			continue
		}
		seen[p+","+n.Name] = true

		status := "Discovered"
		var devs, wwids []string
		for _, s := range sessions {
			if s.TargetName != n.Name || s.TPGT != n.TPGT {
				continue
			}
			if (s.Address == n.Address && s.Port == n.Port) || (s.PersistentAddress == n.Address && s.PersistentPort == n.Port) {
				status = "LoggedIn"
				devs, wwids = r.devicesForTarget(n.Name, p)
				if len(devs) > 0 {
					status = "Mapped"
				}
				break
			}
		}
		r.out.Write([]string{p, n.Name, status, strings.Join(devs, ";"), strings.Join(wwids, ";")})
	}
	return nil
}

// devicesForTarget correlates by-path links such as
// ip-<portal>-iscsi-<iqn>-lun-<lun> -> ../../sdx with block devices.
func (r *reporter) devicesForTarget(iqn, portal string) ([]string, []string) {
	matches, _ := afero.Glob(r.fs, filepath.Join(byPathDir, "ip-"+portal+"-iscsi-"+iqn+"-lun-*"))

	devMap := make(map[string]bool)
	wwidMap := make(map[string]bool)
	for _, path := range matches {
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			continue
		}
		devName := filepath.Base(realPath)
		devMap[devName] = true
		if wwid, ok := r.wwidForDevice(devName); ok {
			wwidMap[wwid] = true
		}
	}
	return sortedKeys(devMap), sortedKeys(wwidMap)
}

// wwidForDevice looks for /dev/disk/by-id/scsi-3<wwid> pointing at devName.
func (r *reporter) wwidForDevice(devName string) (string, bool) {
	matches, _ := afero.Glob(r.fs, filepath.Join(byIDDir, "scsi-3*"))
	for _, path := range matches {
		realPath, err := filepath.EvalSymlinks(path)
		if err == nil && filepath.Base(realPath) == devName {
			return strings.TrimPrefix(filepath.Base(path), "scsi-3"), true
		}
	}
	return "", false
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
