package libiscsi

import (
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scaleoutsean/libiscsi-go/fwcontext"
	"github.com/scaleoutsean/libiscsi-go/idbm"
)

func TestDiscoverSendTargetsDefaultPort(t *testing.T) {
	f := newFixture(t)
	f.disc.targets["10.0.0.1:3260"] = []idbm.DiscoveredTarget{
		{Name: testTarget, Address: testPortal, Port: 3260, TPGT: 1},
	}

	nodes, err := f.ctx.DiscoverSendTargets("10.0.0.1", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []Node{{Name: testTarget, TPGT: 1, Address: testPortal, Port: 3260, Iface: "default"}}, nodes)

	drec, err := f.db.DiscoveryRecord("10.0.0.1", ISCSIListenPort)
	require.NoError(t, err)
	assert.Equal(t, 3260, drec.Port)
	assert.Equal(t, idbm.AuthMethodNone, drec.SendTargets.Auth.AuthMethod)
	assert.Equal(t, 5, drec.SendTargets.ReopenMax)
}

func TestDiscoverSendTargetsCHAP(t *testing.T) {
	f := newFixture(t)
	auth := &AuthInfo{Method: AuthCHAP, CHAP: ChapCredentials{Username: "u", Password: "secretsecret"}}
	nodes, err := f.ctx.DiscoverSendTargets("10.0.0.1", 3260, auth)
	require.NoError(t, err)
	assert.Nil(t, nodes)

	drec, err := f.db.DiscoveryRecord("10.0.0.1", 3260)
	require.NoError(t, err)
	assert.Equal(t, idbm.Auth{AuthMethod: idbm.AuthMethodCHAP, Username: "u", Password: "secretsecret"}, drec.SendTargets.Auth)
}

func TestDiscoverSendTargetsIsIdempotent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.AddIface(idbm.Iface{Name: "eth0", TransportName: "tcp"}))
	require.NoError(t, f.db.AddIface(idbm.Iface{Name: "eth1", TransportName: "tcp"}))
	f.disc.targets["10.0.0.1:3260"] = []idbm.DiscoveredTarget{
		{Name: testTarget, Address: testPortal, Port: 3260, TPGT: 1},
		{Name: testTarget, Address: "10.0.0.2", Port: 3260, TPGT: 1},
	}

	first, err := f.ctx.DiscoverSendTargets("10.0.0.1", 3260, nil)
	require.NoError(t, err)
	require.Len(t, first, 4)

	require.NoError(t, f.ctx.SetParameter(testNode, "node.startup", "automatic"))

	second, err := f.ctx.DiscoverSendTargets("10.0.0.1", 3260, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	files, err := afero.ReadDir(f.fs, "/etc/iscsi/nodes/"+testTarget+"/10.0.0.1,3260,1")
	require.NoError(t, err)
	assert.Len(t, files, 2)

	// the record was replaced, not merged
	startup, err := f.ctx.GetParameter(testNode, "node.startup")
	require.NoError(t, err)
	assert.Equal(t, "manual", startup)
}

func TestDiscoverSendTargetsInvalid(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name    string
		address string
		port    int
		auth    *AuthInfo
	}{
		{"bad auth", "10.0.0.1", 0, &AuthInfo{Method: AuthCHAP}},
		{"empty address", "", 0, nil},
		{"bad port", "10.0.0.1", 70000, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nodes, err := f.ctx.DiscoverSendTargets(tt.address, tt.port, tt.auth)
			assert.Nil(t, nodes)
			assert.True(t, errors.Is(err, ErrInvalidArgument))
		})
	}
	exists, err := afero.DirExists(f.fs, "/etc/iscsi/send_targets")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDiscoverSendTargetsUpstreamFailure(t *testing.T) {
	f := newFixture(t)
	f.disc.err = errors.New("connect to 10.0.0.1:3260 failed")

	nodes, err := f.ctx.DiscoverSendTargets("10.0.0.1", 0, nil)
	assert.Nil(t, nodes)
	assert.True(t, errors.Is(err, ErrUpstream))
	assert.Equal(t, "connect to 10.0.0.1:3260 failed", f.ctx.ErrorString())
}

// failingAddDB fails AddNode after a number of successful writes.
type failingAddDB struct {
	*idbm.DB
	okWrites int
}

func (d *failingAddDB) AddNode(rec *idbm.NodeRecord, drec *idbm.DiscoveryRecord, overwrite bool) error {
	if d.okWrites == 0 {
		return errors.New("no space left on device")
	}
	d.okWrites--
	return d.DB.AddNode(rec, drec, overwrite)
}

func TestDiscoverSendTargetsPartialPersistence(t *testing.T) {
	f := newFixture(t)
	f.disc.targets["10.0.0.1:3260"] = []idbm.DiscoveredTarget{
		{Name: testTarget, Address: testPortal, Port: 3260, TPGT: 1},
		{Name: "iqn.2010-01.com.example:storage.tgt1", Address: testPortal, Port: 3260, TPGT: 1},
	}
	ctx, err := Init(WithFs(f.fs), WithRecordDB(&failingAddDB{DB: f.db, okWrites: 1}),
		WithLoginAgent(f.agent), WithSessionSource(f.ctx.sessions), WithFirmwareSource(f.firmware))
	require.NoError(t, err)

	nodes, err := ctx.DiscoverSendTargets("10.0.0.1", 0, nil)
	assert.Nil(t, nodes)
	assert.True(t, errors.Is(err, ErrUpstream))
	assert.Equal(t, "no space left on device", ctx.ErrorString())

	// the first record stays
	n, err := f.db.ForEachIface(testNode.key(), func(*idbm.NodeRecord) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDiscoverFirmware(t *testing.T) {
	f := newFixture(t)
	f.firmware.targets = []fwcontext.BootContext{{
		InitiatorName:   "iqn.1994-05.com.example:host",
		Iface:           "eno1",
		MAC:             "00:11:22:33:44:55",
		TargetName:      testTarget,
		TargetIPAddress: testPortal,
		TargetPort:      3260,
	}}

	nodes, err := f.ctx.DiscoverFirmware()
	require.NoError(t, err)
	assert.Equal(t, []Node{{Name: testTarget, TPGT: idbm.TPGTUnknown, Address: testPortal, Port: 3260, Iface: "fw-eno1"}}, nodes)

	startup, err := f.ctx.GetParameter(nodes[0], "node.startup")
	require.NoError(t, err)
	assert.Equal(t, "onboot", startup)
	dtype, err := f.ctx.GetParameter(nodes[0], "node.discovery_type")
	require.NoError(t, err)
	assert.Equal(t, "fw", dtype)
}

func TestDiscoverFirmwareNoBootContext(t *testing.T) {
	f := newFixture(t)
	nodes, err := f.ctx.DiscoverFirmware()
	assert.Nil(t, nodes)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(err, fwcontext.ErrNoBootContext))

	f.firmware.err = errors.New("ibft: permission denied")
	_, err = f.ctx.DiscoverFirmware()
	assert.True(t, errors.Is(err, ErrUpstream))
}
