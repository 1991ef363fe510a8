package libiscsi

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/scaleoutsean/libiscsi-go/fwcontext"
	"github.com/scaleoutsean/libiscsi-go/idbm"
	"github.com/scaleoutsean/libiscsi-go/sysfs"
)

const (
	testTarget = "iqn.2010-01.com.example:storage.tgt0"
	testPortal = "10.0.0.1"
)

var testNode = Node{Name: testTarget, TPGT: 1, Address: testPortal, Port: 3260}

// portalDiscoverer answers send-targets queries from a fixed table.
type portalDiscoverer struct {
	targets map[string][]idbm.DiscoveredTarget
	err     error
}

func (d *portalDiscoverer) DiscoverTargets(drec *idbm.DiscoveryRecord, iface idbm.Iface) ([]idbm.DiscoveredTarget, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.targets[fmt.Sprintf("%s:%d", drec.Address, drec.Port)], nil
}

// staticFirmware is a FirmwareSource over a fixed list.
type staticFirmware struct {
	targets []fwcontext.BootContext
	err     error
}

func (f *staticFirmware) Targets() ([]fwcontext.BootContext, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.targets) == 0 {
		return nil, fwcontext.ErrNoBootContext
	}
	return f.targets, nil
}

func (f *staticFirmware) Entry() (*fwcontext.BootContext, error) {
	targets, err := f.Targets()
	if err != nil {
		return nil, err
	}
	return &targets[0], nil
}

type fixture struct {
	ctx      *Context
	fs       afero.Fs
	db       *idbm.DB
	agent    *MockLoginAgent
	disc     *portalDiscoverer
	firmware *staticFirmware
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		fs:       afero.NewMemMapFs(),
		agent:    NewMockLoginAgent(gomock.NewController(t)),
		disc:     &portalDiscoverer{targets: map[string][]idbm.DiscoveredTarget{}},
		firmware: &staticFirmware{},
	}
	f.db = idbm.New(f.fs, "/etc/iscsi", f.disc)
	base := []Option{
		WithFs(f.fs),
		WithRecordDB(f.db),
		WithLoginAgent(f.agent),
		WithSessionSource(sysfs.New(f.fs, "/sys")),
		WithFirmwareSource(f.firmware),
	}
	ctx, err := Init(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctx.Close() })
	f.ctx = ctx
	return f
}

// addRecord stores a node record for testNode bound to iface.
func (f *fixture) addRecord(t *testing.T, iface string) *idbm.NodeRecord {
	t.Helper()
	rec := idbm.NewNodeRecord()
	rec.Name = testNode.Name
	rec.TPGT = testNode.TPGT
	rec.Conn.Address = testNode.Address
	rec.Conn.Port = testNode.Port
	rec.Iface = idbm.Iface{Name: iface, TransportName: "tcp"}
	require.NoError(t, f.db.AddNode(rec, nil, true))
	return rec
}

type testSession struct {
	sid            int
	target         string
	tpgt           int
	address        string
	port           int
	persistentAddr string
	iface          string
}

func (f *fixture) addSession(t *testing.T, s testSession) {
	t.Helper()
	if s.persistentAddr == "" {
		s.persistentAddr = s.address
	}
	sdir := filepath.Join("/sys/class/iscsi_session", fmt.Sprintf("session%d", s.sid))
	cdir := filepath.Join("/sys/class/iscsi_connection", fmt.Sprintf("connection%d:0", s.sid))
	files := map[string]string{
		filepath.Join(sdir, "targetname"):         s.target,
		filepath.Join(sdir, "tpgt"):               fmt.Sprint(s.tpgt),
		filepath.Join(sdir, "ifacename"):          s.iface,
		filepath.Join(sdir, "recovery_tmo"):       "120",
		filepath.Join(cdir, "address"):            s.address,
		filepath.Join(cdir, "port"):               fmt.Sprint(s.port),
		filepath.Join(cdir, "persistent_address"): s.persistentAddr,
		filepath.Join(cdir, "persistent_port"):    fmt.Sprint(s.port),
	}
	for path, data := range files {
		require.NoError(t, afero.WriteFile(f.fs, path, []byte(data+"\n"), 0o644))
	}
}
