package driver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
	mount "k8s.io/mount-utils"

	libiscsi "github.com/scaleoutsean/libiscsi-go"
)

const (
	// InitiatorNameFile is where open-iscsi keeps the host IQN.
	InitiatorNameFile = "/etc/iscsi/initiatorname.iscsi"

	defaultFsType = "ext4"

	// CHAP secrets are looked up under these prefixes, followed by
	// username, password, username_in and password_in.
	sessionSecrets   = "node.session.auth."
	discoverySecrets = "discovery.sendtargets.auth."
)

// GetISCSIInitiatorName reads the local initiator name from path and falls
// back to the firmware boot context when the file has none.
func GetISCSIInitiatorName(fs afero.Fs, path string, fw libiscsi.FirmwareSource) (string, error) {
	content, err := afero.ReadFile(fs, path)
	if err == nil {
		for _, line := range strings.Split(string(content), "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "InitiatorName=") {
				if name := strings.TrimPrefix(line, "InitiatorName="); name != "" {
					return name, nil
				}
			}
		}
		err = fmt.Errorf("InitiatorName not found in %s", path)
	}
	if fw == nil {
		return "", err
	}
	name, fwErr := libiscsi.GetFirmwareInitiatorName(fw)
	if fwErr != nil {
		return "", multierr.Append(err, fwErr)
	}
	klog.Infof("Using firmware initiator name %s", name)
	return name, nil
}

// iscsiTarget is the publish context of a volume.
type iscsiTarget struct {
	address string
	port    int
	iqn     string
	lun     int
	iface   string
}

func (t *iscsiTarget) portal() string {
	return net.JoinHostPort(t.address, strconv.Itoa(t.port))
}

// devicePath is the udev by-path link for the LUN.
func (t *iscsiTarget) devicePath(devDir string) string {
	return fmt.Sprintf("%s/ip-%s-iscsi-%s-lun-%d", devDir, t.portal(), t.iqn, t.lun)
}

func parseTarget(pubCtx map[string]string) (*iscsiTarget, error) {
	lunStr, ok := pubCtx["lun"]
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "LUN not found in PublishContext")
	}
	lun, err := strconv.Atoi(lunStr)
	if err != nil || lun < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "invalid LUN %q", lunStr)
	}

	targetIQN, ok := pubCtx["targetIQN"]
	if !ok || targetIQN == "" {
		return nil, status.Error(codes.InvalidArgument, "Target IQN not found in PublishContext")
	}

	targetPortal, ok := pubCtx["targetPortal"]
	if !ok || targetPortal == "" {
		return nil, status.Error(codes.InvalidArgument, "Target Portal not found in PublishContext")
	}

	t := &iscsiTarget{address: targetPortal, port: libiscsi.ISCSIListenPort, iqn: targetIQN, lun: lun, iface: pubCtx["iface"]}
	if host, port, err := net.SplitHostPort(targetPortal); err == nil {
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return nil, status.Errorf(codes.InvalidArgument, "invalid port in portal %q", targetPortal)
		}
		t.address, t.port = host, p
	}
	t.address = strings.TrimSuffix(strings.TrimPrefix(t.address, "["), "]")
	return t, nil
}

func chapFromSecrets(secrets map[string]string, prefix string) *libiscsi.AuthInfo {
	if secrets[prefix+"username"] == "" {
		return nil
	}
	return &libiscsi.AuthInfo{
		Method: libiscsi.AuthCHAP,
		CHAP: libiscsi.ChapCredentials{
			Username:        secrets[prefix+"username"],
			Password:        secrets[prefix+"password"],
			ReverseUsername: secrets[prefix+"username_in"],
			ReversePassword: secrets[prefix+"password_in"],
		},
	}
}

// discoveryAuth falls back to the session credentials when no discovery
// credentials are given.
func discoveryAuth(secrets map[string]string) *libiscsi.AuthInfo {
	if auth := chapFromSecrets(secrets, discoverySecrets); auth != nil {
		return auth
	}
	return chapFromSecrets(secrets, sessionSecrets)
}

// toStatus maps a libiscsi error onto a gRPC status.
func (d *Driver) toStatus(what string, err error) error {
	klog.Errorf("%s failed: %s", what, d.initiator.ErrorString())
	code := codes.Internal
	switch {
	case errors.Is(err, libiscsi.ErrInvalidArgument):
		code = codes.InvalidArgument
	case errors.Is(err, libiscsi.ErrNotFound):
		code = codes.NotFound
	}
	return status.Errorf(code, "%s failed: %v", what, err)
}

func loggedIn(n libiscsi.Node, sessions []libiscsi.SessionInfo) bool {
	for _, s := range sessions {
		if s.TargetName != n.Name || s.TPGT != n.TPGT {
			continue
		}
		if n.Iface != "" && s.Iface != n.Iface {
			continue
		}
		if (libiscsi.SameAddress(s.Address, n.Address) && s.Port == n.Port) ||
			(libiscsi.SameAddress(s.PersistentAddress, n.Address) && s.PersistentPort == n.Port) {
			return true
		}
	}
	return false
}

// connect discovers the target at its portal and logs in every portal it
// offers. It succeeds when at least one path is up.
func (d *Driver) connect(t *iscsiTarget, secrets map[string]string) ([]libiscsi.Node, error) {
	discovered, err := d.initiator.DiscoverSendTargets(t.address, t.port, discoveryAuth(secrets))
	if err != nil {
		return nil, d.toStatus("iSCSI discovery", err)
	}

	var nodes []libiscsi.Node
	for _, n := range discovered {
		if n.Name == t.iqn && (t.iface == "" || n.Iface == t.iface) {
			nodes = append(nodes, n)
		}
	}
	if len(nodes) == 0 {
		klog.Warningf("Discovered targets %v do not contain %s", discovered, t.iqn)
		return nil, status.Errorf(codes.NotFound, "target %s not offered by portal %s", t.iqn, t.portal())
	}

	sessions, err := d.initiator.GetSessionInfos()
	if err != nil && !errors.Is(err, libiscsi.ErrNotFound) {
		return nil, d.toStatus("list sessions", err)
	}

	auth := chapFromSecrets(secrets, sessionSecrets)
	var errs error
	up := 0
	for _, n := range nodes {
		if auth != nil {
			if err := d.initiator.SetAuth(n, auth); err != nil {
				return nil, d.toStatus("set CHAP credentials", err)
			}
		}
		if loggedIn(n, sessions) {
			klog.V(4).Infof("Already logged in to %s at %s:%d", n.Name, n.Address, n.Port)
			up++
			continue
		}
		klog.Infof("Logging in to %s at %s:%d via %s", n.Name, n.Address, n.Port, n.Iface)
		if err := d.initiator.Login(n); err != nil {
			klog.Warningf("Login to %s at %s:%d failed: %s", n.Name, n.Address, n.Port, d.initiator.ErrorString())
			errs = multierr.Append(errs, err)
			continue
		}
		up++
	}
	if up == 0 {
		return nil, status.Errorf(codes.Internal, "iSCSI login failed: %v", errs)
	}
	return nodes, nil
}

func (d *Driver) waitForDevice(ctx context.Context, path string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = d.deviceWait
	return backoff.Retry(func() error {
		_, err := d.fs.Stat(path)
		if err != nil && !os.IsNotExist(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

func (d *Driver) NodeStageVolume(ctx context.Context, req *csi.NodeStageVolumeRequest) (*csi.NodeStageVolumeResponse, error) {
	volID := req.GetVolumeId()
	if volID == "" {
		return nil, status.Error(codes.InvalidArgument, "Volume ID must be provided")
	}

	stagingTargetPath := req.GetStagingTargetPath()
	if stagingTargetPath == "" {
		return nil, status.Error(codes.InvalidArgument, "Staging Target Path must be provided")
	}

	volCap := req.GetVolumeCapability()
	if volCap == nil {
		return nil, status.Error(codes.InvalidArgument, "Volume Capability must be provided")
	}
	if volCap.GetBlock() != nil {
		return nil, status.Error(codes.InvalidArgument, "Block access type is not supported")
	}

	target, err := parseTarget(req.GetPublishContext())
	if err != nil {
		return nil, err
	}

	klog.Infof("NodeStageVolume: Vol=%s, Portal=%s, IQN=%s, LUN=%d", volID, target.portal(), target.iqn, target.lun)

	d.m.Lock()
	defer d.m.Unlock()

	notMnt, err := d.mounter.IsLikelyNotMountPoint(stagingTargetPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, status.Errorf(codes.Internal, "Failed to check staging path: %v", err)
	}
	if err == nil && !notMnt {
		klog.Infof("Volume %s is already staged at %s", volID, stagingTargetPath)
		return &csi.NodeStageVolumeResponse{}, nil
	}

	nodes, err := d.connect(target, req.GetSecrets())
	if err != nil {
		return nil, err
	}

	st := &volumeState{
		VolumeID:    volID,
		StagingPath: stagingTargetPath,
		Portal:      target.portal(),
		TargetIQN:   target.iqn,
		LUN:         target.lun,
	}
	for _, n := range nodes {
		st.Nodes = append(st.Nodes, toNodeState(n))
	}
	if err := d.state.save(st); err != nil {
		return nil, status.Errorf(codes.Internal, "Failed to save volume state: %v", err)
	}

	devicePath := target.devicePath(d.devDir)
	if err := d.waitForDevice(ctx, devicePath); err != nil {
		return nil, status.Errorf(codes.DeadlineExceeded, "Device %s did not appear: %v", devicePath, err)
	}
	klog.Infof("Found device %s", devicePath)

	if err := d.fs.MkdirAll(stagingTargetPath, 0750); err != nil {
		return nil, status.Errorf(codes.Internal, "Failed to create staging path: %v", err)
	}

	fsType := volCap.GetMount().GetFsType()
	if fsType == "" {
		fsType = defaultFsType
	}
	if err := d.mounter.FormatAndMount(devicePath, stagingTargetPath, fsType, volCap.GetMount().GetMountFlags()); err != nil {
		return nil, status.Errorf(codes.Internal, "Failed to mount %s at %s: %v", devicePath, stagingTargetPath, err)
	}

	return &csi.NodeStageVolumeResponse{}, nil
}

// disconnect logs out of the nodes of st that no other staged volume uses.
func (d *Driver) disconnect(st *volumeState) error {
	var errs error
	for _, ns := range st.Nodes {
		used, err := d.state.inUse(ns, st.VolumeID)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if used {
			klog.V(4).Infof("Keeping session to %s at %s:%d, still in use", ns.Name, ns.Address, ns.Port)
			continue
		}
		klog.Infof("Logging out of %s at %s:%d", ns.Name, ns.Address, ns.Port)
		if err := d.initiator.Logout(ns.node()); err != nil && !errors.Is(err, libiscsi.ErrNotFound) {
			errs = multierr.Append(errs, fmt.Errorf("logout %s at %s:%d: %w", ns.Name, ns.Address, ns.Port, err))
		}
	}
	return errs
}

func (d *Driver) NodeUnstageVolume(ctx context.Context, req *csi.NodeUnstageVolumeRequest) (*csi.NodeUnstageVolumeResponse, error) {
	volID := req.GetVolumeId()
	if volID == "" {
		return nil, status.Error(codes.InvalidArgument, "Volume ID must be provided")
	}

	stagingTargetPath := req.GetStagingTargetPath()
	if stagingTargetPath == "" {
		return nil, status.Error(codes.InvalidArgument, "Staging Target Path must be provided")
	}

	d.m.Lock()
	defer d.m.Unlock()

	klog.Infof("Unmounting %s", stagingTargetPath)
	var errs error
	if err := mount.CleanupMountPoint(stagingTargetPath, d.mounter, false); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("unmount %s: %w", stagingTargetPath, err))
	}

	st, err := d.state.load(volID)
	switch {
	case errors.Is(err, os.ErrNotExist):
		klog.Infof("No state for volume %s, nothing to log out", volID)
	case err != nil:
		errs = multierr.Append(errs, err)
	default:
		errs = multierr.Append(errs, d.disconnect(st))
	}

	// state stays behind until everything is undone so a retry can finish
	if errs == nil {
		errs = d.state.remove(volID)
	}
	if errs != nil {
		return nil, status.Errorf(codes.Internal, "NodeUnstageVolume %s: %v", volID, errs)
	}
	return &csi.NodeUnstageVolumeResponse{}, nil
}

func (d *Driver) NodePublishVolume(ctx context.Context, req *csi.NodePublishVolumeRequest) (*csi.NodePublishVolumeResponse, error) {
	targetPath := req.GetTargetPath()
	stagingPath := req.GetStagingTargetPath()

	if req.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "Volume ID must be provided")
	}
	if targetPath == "" || stagingPath == "" {
		return nil, status.Error(codes.InvalidArgument, "Staging and Target paths must be provided")
	}
	if req.GetVolumeCapability() == nil {
		return nil, status.Error(codes.InvalidArgument, "Volume Capability must be provided")
	}

	notMnt, err := d.mounter.IsLikelyNotMountPoint(targetPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, status.Errorf(codes.Internal, "Failed to check target path: %v", err)
		}
		if err := d.fs.MkdirAll(targetPath, 0750); err != nil {
			return nil, status.Errorf(codes.Internal, "Failed to create target path: %v", err)
		}
		notMnt = true
	}
	if !notMnt {
		return &csi.NodePublishVolumeResponse{}, nil
	}

	options := []string{"bind"}
	if req.GetReadonly() {
		options = append(options, "ro")
	}
	klog.Infof("Bind mounting %s to %s", stagingPath, targetPath)
	if err := d.mounter.Mount(stagingPath, targetPath, "", options); err != nil {
		return nil, status.Errorf(codes.Internal, "Failed to bind mount %s: %v", targetPath, err)
	}

	return &csi.NodePublishVolumeResponse{}, nil
}

func (d *Driver) NodeUnpublishVolume(ctx context.Context, req *csi.NodeUnpublishVolumeRequest) (*csi.NodeUnpublishVolumeResponse, error) {
	targetPath := req.GetTargetPath()
	if req.GetVolumeId() == "" || targetPath == "" {
		return nil, status.Error(codes.InvalidArgument, "Volume ID and Target Path must be provided")
	}
	klog.Infof("Unmounting %s", targetPath)
	if err := mount.CleanupMountPoint(targetPath, d.mounter, false); err != nil {
		return nil, status.Errorf(codes.Internal, "Failed to unmount %s: %v", targetPath, err)
	}
	return &csi.NodeUnpublishVolumeResponse{}, nil
}

func (d *Driver) NodeGetCapabilities(ctx context.Context, req *csi.NodeGetCapabilitiesRequest) (*csi.NodeGetCapabilitiesResponse, error) {
	return &csi.NodeGetCapabilitiesResponse{
		Capabilities: []*csi.NodeServiceCapability{
			{
				Type: &csi.NodeServiceCapability_Rpc{
					Rpc: &csi.NodeServiceCapability_RPC{
						Type: csi.NodeServiceCapability_RPC_STAGE_UNSTAGE_VOLUME,
					},
				},
			},
		},
	}, nil
}

func (d *Driver) NodeGetInfo(ctx context.Context, req *csi.NodeGetInfoRequest) (*csi.NodeGetInfoResponse, error) {
	return &csi.NodeGetInfoResponse{
		NodeId: d.nodeID,
	}, nil
}
