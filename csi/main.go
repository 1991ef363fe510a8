package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"k8s.io/klog/v2"
	mount "k8s.io/mount-utils"
	utilexec "k8s.io/utils/exec"

	libiscsi "github.com/scaleoutsean/libiscsi-go"
	"github.com/scaleoutsean/libiscsi-go/config"
	"github.com/scaleoutsean/libiscsi-go/csi/driver"
	"github.com/scaleoutsean/libiscsi-go/metrics"
)

var (
	configPath = flag.String("config", "", "Path to the YAML configuration file")
	endpoint   = flag.String("endpoint", "", "CSI endpoint, overrides the configuration file")
	nodeID     = flag.String("nodeid", "", "node id, defaults to the host initiator name")
	version    = flag.Bool("version", false, "Print the version and exit")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *version {
		fmt.Println(driver.Version)
		os.Exit(0)
	}

	if err := handle(); err != nil {
		klog.Error(err.Error())
		os.Exit(1)
	}
}

func handle() error {
	fs := afero.NewOsFs()
	cfg, err := config.Load(fs, *configPath)
	if err != nil {
		return err
	}
	if *endpoint != "" {
		cfg.CSI.Endpoint = *endpoint
	}
	if *nodeID != "" {
		cfg.CSI.NodeID = *nodeID
	}

	reg := prometheus.NewRegistry()
	ctx, err := libiscsi.Init(
		libiscsi.WithFs(fs),
		libiscsi.WithRecordRoot(cfg.Records.Root),
		libiscsi.WithSysfsRoot(cfg.Sysfs.Root),
		libiscsi.WithFirmwareRoot(cfg.Firmware.Root),
		libiscsi.WithMetrics(metrics.New(reg)),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize iSCSI context: %w", err)
	}
	defer func() {
		if err := ctx.Close(); err != nil {
			klog.Warningf("Closing iSCSI context: %v", err)
		}
	}()

	// The node id is the initiator IQN so that LUN masking can use it.
	if cfg.CSI.NodeID == "" {
		iqn, err := driver.GetISCSIInitiatorName(fs, driver.InitiatorNameFile, ctx.Firmware())
		if err != nil {
			return fmt.Errorf("no --nodeid given and IQN auto-detection failed: %w", err)
		}
		klog.Infof("Auto-detected IQN: %s. Using as Node ID.", iqn)
		cfg.CSI.NodeID = iqn
	}

	if cfg.Metrics.Address != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			klog.Infof("Serving metrics on %s", cfg.Metrics.Address)
			if err := http.ListenAndServe(cfg.Metrics.Address, mux); err != nil {
				klog.Errorf("Metrics server stopped: %v", err)
			}
		}()
	}

	drv, err := driver.NewDriver(driver.Options{
		Name:       cfg.CSI.DriverName,
		NodeID:     cfg.CSI.NodeID,
		Endpoint:   cfg.CSI.Endpoint,
		StateDir:   cfg.CSI.StateDir,
		DeviceWait: time.Duration(cfg.CSI.DeviceWaitSeconds) * time.Second,
		Initiator:  ctx,
		Mounter:    &mount.SafeFormatAndMount{Interface: mount.New(""), Exec: utilexec.New()},
		Fs:         fs,
	})
	if err != nil {
		return err
	}
	return drv.Run()
}
