package driver

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	mount "k8s.io/mount-utils"

	libiscsi "github.com/scaleoutsean/libiscsi-go"
	"github.com/scaleoutsean/libiscsi-go/fwcontext"
)

const (
	testIQN    = "iqn.2010-01.com.example:storage.tgt0"
	testPortal = "10.0.0.1:3260"
)

var (
	pathA = libiscsi.Node{Name: testIQN, TPGT: 1, Address: "10.0.0.1", Port: 3260, Iface: "default"}
	pathB = libiscsi.Node{Name: testIQN, TPGT: 2, Address: "10.0.1.1", Port: 3260, Iface: "default"}
	other = libiscsi.Node{Name: "iqn.2010-01.com.example:storage.tgt1", TPGT: 1, Address: "10.0.0.1", Port: 3260, Iface: "default"}
)

// fakeInitiator records calls. A successful Login adds a session.
type fakeInitiator struct {
	discovered  []libiscsi.Node
	discoverErr error
	sessions    []libiscsi.SessionInfo
	loginErr    map[string]error
	logoutErr   error

	discoveries   []string
	discoveryAuth []*libiscsi.AuthInfo
	logins        []libiscsi.Node
	logouts       []libiscsi.Node
	auth          map[libiscsi.Node]*libiscsi.AuthInfo
	lastErr       string
}

func (f *fakeInitiator) fail(err error) error {
	f.lastErr = err.Error()
	return err
}

func (f *fakeInitiator) DiscoverSendTargets(address string, port int, auth *libiscsi.AuthInfo) ([]libiscsi.Node, error) {
	f.discoveries = append(f.discoveries, fmt.Sprintf("%s:%d", address, port))
	f.discoveryAuth = append(f.discoveryAuth, auth)
	if f.discoverErr != nil {
		return nil, f.fail(f.discoverErr)
	}
	return f.discovered, nil
}

func (f *fakeInitiator) Login(node libiscsi.Node) error {
	if err := f.loginErr[node.Address]; err != nil {
		return f.fail(err)
	}
	f.logins = append(f.logins, node)
	f.sessions = append(f.sessions, libiscsi.SessionInfo{
		SID:        len(f.sessions) + 1,
		TargetName: node.Name,
		Address:    node.Address,
		Port:       node.Port,
		TPGT:       node.TPGT,
		Iface:      node.Iface,
	})
	return nil
}

func (f *fakeInitiator) Logout(node libiscsi.Node) error {
	if f.logoutErr != nil {
		return f.fail(f.logoutErr)
	}
	f.logouts = append(f.logouts, node)
	return nil
}

func (f *fakeInitiator) SetAuth(node libiscsi.Node, auth *libiscsi.AuthInfo) error {
	if f.auth == nil {
		f.auth = map[libiscsi.Node]*libiscsi.AuthInfo{}
	}
	f.auth[node] = auth
	return nil
}

func (f *fakeInitiator) GetSessionInfos() ([]libiscsi.SessionInfo, error) {
	if len(f.sessions) == 0 {
		return nil, f.fail(&libiscsi.Error{Kind: libiscsi.ErrNotFound, Msg: "No matching session"})
	}
	return f.sessions, nil
}

func (f *fakeInitiator) ErrorString() string {
	if f.lastErr == "" {
		return "Unknown error"
	}
	return f.lastErr
}

// fakeMounter formats nothing and mounts through mount.FakeMounter.
type fakeMounter struct {
	*mount.FakeMounter
	formatted []string
}

func (m *fakeMounter) FormatAndMount(source, target, fstype string, options []string) error {
	m.formatted = append(m.formatted, source+" "+fstype)
	return m.Mount(source, target, fstype, options)
}

type staticFirmware struct {
	entry *fwcontext.BootContext
}

func (s staticFirmware) Targets() ([]fwcontext.BootContext, error) {
	if s.entry == nil {
		return nil, fwcontext.ErrNoBootContext
	}
	return []fwcontext.BootContext{*s.entry}, nil
}

func (s staticFirmware) Entry() (*fwcontext.BootContext, error) {
	if s.entry == nil {
		return nil, fwcontext.ErrNoBootContext
	}
	return s.entry, nil
}

type fixture struct {
	dir       string
	devDir    string
	initiator *fakeInitiator
	mounter   *fakeMounter
	drv       *Driver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dir:       dir,
		devDir:    filepath.Join(dir, "by-path"),
		initiator: &fakeInitiator{discovered: []libiscsi.Node{pathA, other, pathB}},
		mounter:   &fakeMounter{FakeMounter: mount.NewFakeMounter(nil)},
	}
	require.NoError(t, os.MkdirAll(f.devDir, 0o755))

	drv, err := NewDriver(Options{
		NodeID:     "iqn.1994-05.com.example:node1",
		Endpoint:   "unix://" + filepath.Join(dir, "csi.sock"),
		StateDir:   filepath.Join(dir, "state"),
		DevDir:     f.devDir,
		DeviceWait: 200 * time.Millisecond,
		Initiator:  f.initiator,
		Mounter:    f.mounter,
		Fs:         afero.NewOsFs(),
	})
	require.NoError(t, err)
	f.drv = drv
	return f
}

func (f *fixture) path(name string) string {
	return filepath.Join(f.dir, name)
}

func (f *fixture) addDevice(t *testing.T, lun int) string {
	t.Helper()
	p := filepath.Join(f.devDir, fmt.Sprintf("ip-%s-iscsi-%s-lun-%d", testPortal, testIQN, lun))
	require.NoError(t, os.WriteFile(p, nil, 0o644))
	return p
}

func (f *fixture) mountedAt(path string) *mount.MountPoint {
	for i := range f.mounter.MountPoints {
		if f.mounter.MountPoints[i].Path == path {
			return &f.mounter.MountPoints[i]
		}
	}
	return nil
}

func mountCapability(fsType string) *csi.VolumeCapability {
	return &csi.VolumeCapability{
		AccessType: &csi.VolumeCapability_Mount{
			Mount: &csi.VolumeCapability_MountVolume{FsType: fsType},
		},
		AccessMode: &csi.VolumeCapability_AccessMode{
			Mode: csi.VolumeCapability_AccessMode_SINGLE_NODE_WRITER,
		},
	}
}

func stageRequest(volID, staging string) *csi.NodeStageVolumeRequest {
	return &csi.NodeStageVolumeRequest{
		VolumeId:          volID,
		StagingTargetPath: staging,
		VolumeCapability:  mountCapability("xfs"),
		PublishContext: map[string]string{
			"targetPortal": testPortal,
			"targetIQN":    testIQN,
			"lun":          "0",
		},
	}
}
