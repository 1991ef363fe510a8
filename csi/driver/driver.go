package driver

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/kubernetes-csi/csi-lib-utils/protosanitizer"
	"github.com/spf13/afero"
	"google.golang.org/grpc"
	"k8s.io/klog/v2"
	mount "k8s.io/mount-utils"

	libiscsi "github.com/scaleoutsean/libiscsi-go"
)

const (
	DefaultDriverName = "iscsi.libiscsi.scaleoutsean.github.io"
	Version           = "0.2.0"

	defaultDevDir     = "/dev/disk/by-path"
	defaultDeviceWait = 20 * time.Second
)

// Initiator is the part of *libiscsi.Context the node service uses.
type Initiator interface {
	DiscoverSendTargets(address string, port int, auth *libiscsi.AuthInfo) ([]libiscsi.Node, error)
	Login(node libiscsi.Node) error
	Logout(node libiscsi.Node) error
	SetAuth(node libiscsi.Node, auth *libiscsi.AuthInfo) error
	GetSessionInfos() ([]libiscsi.SessionInfo, error)
	ErrorString() string
}

var _ Initiator = (*libiscsi.Context)(nil)

// Mounter formats and mounts staged volumes. *mount.SafeFormatAndMount
// implements it.
type Mounter interface {
	mount.Interface
	FormatAndMount(source, target, fstype string, options []string) error
}

// Options configure a Driver. Zero values get defaults.
type Options struct {
	Name       string
	NodeID     string
	Endpoint   string
	StateDir   string
	DevDir     string
	DeviceWait time.Duration

	Initiator Initiator
	Mounter   Mounter
	Fs        afero.Fs
}

type Driver struct {
	csi.UnimplementedIdentityServer
	csi.UnimplementedNodeServer

	name       string
	nodeID     string
	endpoint   string
	devDir     string
	deviceWait time.Duration

	initiator Initiator
	mounter   Mounter
	fs        afero.Fs
	state     *stateStore

	// Server
	srv *grpc.Server
	// serializes initiator calls, a libiscsi.Context is single-writer
	m sync.Mutex
}

func NewDriver(opts Options) (*Driver, error) {
	if opts.Initiator == nil {
		return nil, fmt.Errorf("no initiator configured")
	}
	if opts.Mounter == nil {
		return nil, fmt.Errorf("no mounter configured")
	}
	if opts.StateDir == "" {
		return nil, fmt.Errorf("no state directory configured")
	}
	if opts.Name == "" {
		opts.Name = DefaultDriverName
	}
	if opts.DevDir == "" {
		opts.DevDir = defaultDevDir
	}
	if opts.DeviceWait <= 0 {
		opts.DeviceWait = defaultDeviceWait
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	klog.Infof("Driver: %v Version: %v", opts.Name, Version)
	if opts.NodeID == "" {
		klog.Warning("node id is empty")
	}

	return &Driver{
		name:       opts.Name,
		nodeID:     opts.NodeID,
		endpoint:   opts.Endpoint,
		devDir:     opts.DevDir,
		deviceWait: opts.DeviceWait,
		initiator:  opts.Initiator,
		mounter:    opts.Mounter,
		fs:         opts.Fs,
		state:      newStateStore(opts.Fs, opts.StateDir),
	}, nil
}

func (d *Driver) Run() error {
	u, err := url.Parse(d.endpoint)
	if err != nil {
		return fmt.Errorf("unable to parse address: %q", err)
	}

	addr := u.Path
	if u.Scheme != "unix" {
		addr = u.Host
	}

	klog.Infof("Starting listener on %s", addr)

	if u.Scheme == "unix" {
		if err := os.Remove(addr); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %v", addr, err)
		}
	}

	lis, err := net.Listen(u.Scheme, addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %v", err)
	}

	d.srv = grpc.NewServer(grpc.UnaryInterceptor(logGRPC))

	csi.RegisterIdentityServer(d.srv, d)
	csi.RegisterNodeServer(d.srv, d)

	klog.Info("Serving GRPC")
	return d.srv.Serve(lis)
}

func logGRPC(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	klog.Infof("GRPC call: %s", info.FullMethod)
	klog.V(4).Infof("GRPC request: %s", protosanitizer.StripSecrets(req))
	resp, err := handler(ctx, req)
	if err != nil {
		klog.Errorf("GRPC error: %v", err)
	} else {
		klog.V(4).Infof("GRPC response: %s", protosanitizer.StripSecrets(resp))
	}
	return resp, err
}
