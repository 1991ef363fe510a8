package idbm

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scaleoutsean/libiscsi-go/fwcontext"
)

type staticDiscoverer struct {
	targets []DiscoveredTarget
	err     error
	calls   []string
}

func (d *staticDiscoverer) DiscoverTargets(drec *DiscoveryRecord, iface Iface) ([]DiscoveredTarget, error) {
	d.calls = append(d.calls, iface.Name)
	return d.targets, d.err
}

func newTestDB(d Discoverer) (*DB, afero.Fs) {
	fs := afero.NewMemMapFs()
	return New(fs, "/etc/iscsi", d), fs
}

func sendTargets(addr string) *DiscoveryRecord {
	return &DiscoveryRecord{
		Type:        DiscoverySendTargets,
		Address:     addr,
		Port:        DefaultPort,
		SendTargets: SendTargetsDefaults(),
	}
}

func TestAddDiscoveryRoundTrip(t *testing.T) {
	db, fs := newTestDB(nil)
	drec := sendTargets("10.0.0.1")
	drec.SendTargets.Auth = Auth{AuthMethod: AuthMethodCHAP, Username: "u", Password: "p"}
	require.NoError(t, db.AddDiscovery(drec))

	ok, err := afero.Exists(fs, "/etc/iscsi/send_targets/10.0.0.1,3260/st_config")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := db.DiscoveryRecord("10.0.0.1", DefaultPort)
	require.NoError(t, err)
	assert.Equal(t, DiscoverySendTargets, got.Type)
	assert.Equal(t, "10.0.0.1", got.Address)
	assert.Equal(t, AuthMethodCHAP, got.SendTargets.Auth.AuthMethod)
	assert.Equal(t, "u", got.SendTargets.Auth.Username)

	_, err = db.DiscoveryRecord("10.0.0.2", DefaultPort)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestAddDiscoveryFirmwareIsNotPersisted(t *testing.T) {
	db, fs := newTestDB(nil)
	require.NoError(t, db.AddDiscovery(&DiscoveryRecord{Type: DiscoveryFirmware}))
	ok, _ := afero.DirExists(fs, "/etc/iscsi/send_targets")
	assert.False(t, ok)
}

func TestIfacesDefault(t *testing.T) {
	db, _ := newTestDB(nil)
	ifaces, err := db.Ifaces()
	require.NoError(t, err)
	assert.Equal(t, []Iface{DefaultIface()}, ifaces)

	require.NoError(t, db.AddIface(Iface{Name: "eth1", TransportName: "tcp", NetIfaceName: "eth1"}))
	require.NoError(t, db.AddIface(Iface{Name: "eth0", TransportName: "tcp", NetIfaceName: "eth0"}))
	ifaces, err = db.Ifaces()
	require.NoError(t, err)
	require.Len(t, ifaces, 2)
	assert.Equal(t, "eth0", ifaces[0].Name)
	assert.Equal(t, "eth1", ifaces[1].Name)
}

func TestBindSendTargets(t *testing.T) {
	d := &staticDiscoverer{targets: []DiscoveredTarget{
		{Name: "iqn.a", Address: "10.0.0.1", Port: 3260, TPGT: 1},
		{Name: "../evil", Address: "10.0.0.1", Port: 3260, TPGT: 1},
		{Name: "iqn.b", Address: "10.0.0.2", TPGT: 2},
	}}
	db, _ := newTestDB(d)
	require.NoError(t, db.AddIface(Iface{Name: "eth0", TransportName: "tcp"}))
	require.NoError(t, db.AddIface(Iface{Name: "eth1", TransportName: "tcp"}))

	drec := sendTargets("10.0.0.1")
	recs, err := db.BindIfacesToNodes(DiscoverySendTargets, drec, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"eth0", "eth1"}, d.calls)
	require.Len(t, recs, 4)
	assert.Equal(t, "iqn.a", recs[0].Name)
	assert.Equal(t, "eth0", recs[0].Iface.Name)
	assert.Equal(t, DefaultPort, recs[1].Conn.Port)
	assert.Equal(t, "eth1", recs[3].Iface.Name)
	assert.Equal(t, "10.0.0.1", recs[3].DiscoveryAddress)
	assert.Equal(t, DiscoverySendTargets, recs[3].DiscoveryType)
}

func TestBindSendTargetsErrors(t *testing.T) {
	db, _ := newTestDB(nil)
	_, err := db.BindIfacesToNodes(DiscoverySendTargets, sendTargets("10.0.0.1"), nil)
	require.Error(t, err)

	db, _ = newTestDB(&staticDiscoverer{err: errors.New("portal unreachable")})
	_, err = db.BindIfacesToNodes(DiscoverySendTargets, sendTargets("10.0.0.1"), nil)
	require.EqualError(t, err, "portal unreachable")

	_, err = db.BindIfacesToNodes(DiscoveryStatic, sendTargets("10.0.0.1"), nil)
	require.Error(t, err)
}

func TestBindFirmware(t *testing.T) {
	db, _ := newTestDB(nil)
	boot := []fwcontext.BootContext{{
		InitiatorName:   "iqn.host",
		Iface:           "eno1",
		MAC:             "00:11:22:33:44:55",
		TargetName:      "iqn.boot",
		TargetIPAddress: "192.168.1.10",
		CHAPName:        "user",
		CHAPPassword:    "secret",
	}}
	ifaces := IfacesFromBootContexts(boot)
	require.Len(t, ifaces, 1)
	assert.Equal(t, "fw-eno1", ifaces[0].Name)

	recs, err := db.BindIfacesToNodes(DiscoveryFirmware, &DiscoveryRecord{Type: DiscoveryFirmware, Firmware: boot}, ifaces)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, "iqn.boot", rec.Name)
	assert.Equal(t, TPGTUnknown, rec.TPGT)
	assert.Equal(t, DefaultPort, rec.Conn.Port)
	assert.Equal(t, "onboot", rec.Startup)
	assert.Equal(t, "fw-eno1", rec.Iface.Name)
	assert.Equal(t, AuthMethodCHAP, rec.Session.Auth.AuthMethod)
	assert.Equal(t, "secret", rec.Session.Auth.Password)
}

func TestIfacesFromBootContextsDedup(t *testing.T) {
	ifaces := IfacesFromBootContexts([]fwcontext.BootContext{
		{MAC: "AA:BB:CC:DD:EE:FF", TargetName: "iqn.a"},
		{MAC: "aa:bb:cc:dd:ee:ff", TargetName: "iqn.b"},
	})
	require.Len(t, ifaces, 1)
	assert.Equal(t, "fw-aabbccddeeff", ifaces[0].Name)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", ifaces[0].HWAddress)
}

func testNode(iface string) *NodeRecord {
	rec := NewNodeRecord()
	rec.Name = "iqn.2010-01.com.example:tgt0"
	rec.TPGT = 1
	rec.Conn.Address = "10.0.0.1"
	rec.Conn.Port = 3260
	rec.Iface = Iface{Name: iface, TransportName: "tcp"}
	return rec
}

func TestAddNodeOverwrite(t *testing.T) {
	db, fs := newTestDB(nil)
	rec := testNode("default")
	require.NoError(t, db.AddNode(rec, nil, false))
	err := db.AddNode(rec, nil, false)
	assert.True(t, errors.Is(err, ErrExists))

	rec.Startup = "automatic"
	require.NoError(t, db.AddNode(rec, sendTargets("10.0.0.1"), true))

	files, err := afero.ReadDir(fs, "/etc/iscsi/nodes/iqn.2010-01.com.example:tgt0/10.0.0.1,3260,1")
	require.NoError(t, err)
	assert.Len(t, files, 1)

	var got []*NodeRecord
	n, err := db.ForEachIface(rec.Key(), func(r *NodeRecord) error {
		got = append(got, r)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "automatic", got[0].Startup)
	assert.Equal(t, DiscoverySendTargets, got[0].DiscoveryType)
	assert.Equal(t, "10.0.0.1", got[0].DiscoveryAddress)
}

func TestAddNodeRejectsPathElements(t *testing.T) {
	db, _ := newTestDB(nil)
	rec := testNode("default")
	rec.Name = "../../etc"
	require.Error(t, db.AddNode(rec, nil, true))

	rec = testNode("a/b")
	require.Error(t, db.AddNode(rec, nil, true))
}

func TestForEachIface(t *testing.T) {
	db, _ := newTestDB(nil)
	for _, name := range []string{"eth2", "eth0", "eth1"} {
		require.NoError(t, db.AddNode(testNode(name), nil, true))
	}
	key := testNode("").Key()

	t.Run("order", func(t *testing.T) {
		var order []string
		n, err := db.ForEachIface(key, func(r *NodeRecord) error {
			order = append(order, r.Iface.Name)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		assert.Equal(t, []string{"eth0", "eth1", "eth2"}, order)
	})

	t.Run("skip is not counted", func(t *testing.T) {
		n, err := db.ForEachIface(key, func(r *NodeRecord) error {
			if r.Iface.Name != "eth1" {
				return ErrSkip
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("error stops the walk", func(t *testing.T) {
		boom := errors.New("boom")
		calls := 0
		n, err := db.ForEachIface(key, func(*NodeRecord) error {
			calls++
			return boom
		})
		assert.Equal(t, boom, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, 1, calls)
	})

	t.Run("no records", func(t *testing.T) {
		other := key
		other.TPGT = 9
		n, err := db.ForEachIface(other, func(*NodeRecord) error { return nil })
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("unusable key", func(t *testing.T) {
		n, err := db.ForEachIface(NodeKey{Name: "..", Address: "10.0.0.1"}, func(*NodeRecord) error { return nil })
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestForEachIfaceCorruptRecord(t *testing.T) {
	db, fs := newTestDB(nil)
	rec := testNode("default")
	require.NoError(t, db.AddNode(rec, nil, true))
	dir, err := db.nodeDir(rec.Key())
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, filepath.Join(dir, "default"), []byte("node.name iqn\n"), 0o600))

	_, err = db.ForEachIface(rec.Key(), func(*NodeRecord) error { return nil })
	assert.True(t, errors.Is(err, ErrCorrupt))
}

func TestSetNodeParams(t *testing.T) {
	db, _ := newTestDB(nil)
	rec := testNode("default")
	require.NoError(t, db.AddNode(rec, nil, true))

	params, err := AllocParams("node.session.timeo.replacement_timeout", "30")
	require.NoError(t, err)
	require.NoError(t, db.SetNodeParams(rec, params))

	_, err = db.ForEachIface(rec.Key(), func(r *NodeRecord) error {
		assert.Equal(t, 30, r.Session.Timeouts.ReplacementTimeout)
		return nil
	})
	require.NoError(t, err)

	params, _ = AllocParams("node.name", "iqn.other")
	assert.True(t, errors.Is(db.SetNodeParams(rec, params), ErrReadOnlyParam))

	params, _ = AllocParams("node.no_such_key", "1")
	assert.True(t, errors.Is(db.SetNodeParams(rec, params), ErrUnknownParam))

	params, _ = AllocParams("node.session.cmds_max", "many")
	assert.True(t, errors.Is(db.SetNodeParams(rec, params), ErrInvalidValue))

	_, err = AllocParams("", "x")
	assert.Error(t, err)
}

func TestSetNodeParamsPaddedValues(t *testing.T) {
	db, _ := newTestDB(nil)
	rec := testNode("default")
	require.NoError(t, db.AddNode(rec, nil, true))

	for _, v := range []string{" pass word ", `"quoted"`, "tab\tinside", ""} {
		params, err := AllocParams("node.session.auth.password", v)
		require.NoError(t, err)
		require.NoError(t, db.SetNodeParams(rec, params))

		_, err = db.ForEachIface(rec.Key(), func(r *NodeRecord) error {
			assert.Equal(t, v, r.Session.Auth.Password)
			return nil
		})
		require.NoError(t, err)
	}
}

func TestSetNodeParamsRejectsLineBreaks(t *testing.T) {
	db, _ := newTestDB(nil)
	rec := testNode("default")
	require.NoError(t, db.AddNode(rec, nil, true))

	for _, v := range []string{"x\nnode.conn[0].address = 10.9.9.9", "x\r"} {
		params, err := AllocParams("node.session.auth.password", v)
		require.NoError(t, err)
		assert.True(t, errors.Is(db.SetNodeParams(rec, params), ErrInvalidValue))
	}

	_, err := db.ForEachIface(rec.Key(), func(r *NodeRecord) error {
		assert.Equal(t, "10.0.0.1", r.Conn.Address)
		assert.Empty(t, r.Session.Auth.Password)
		return nil
	})
	require.NoError(t, err)
}

func TestParseKVQuoted(t *testing.T) {
	pairs, err := parseKV(writeKV([]kv{
		{key: "a", value: " padded "},
		{key: "b", value: "line\nbreak"},
		{key: "c", value: "plain"},
	}))
	require.NoError(t, err)
	assert.Equal(t, []kv{
		{key: "a", value: " padded "},
		{key: "b", value: "line\nbreak"},
		{key: "c", value: "plain"},
	}, pairs)

	_, err = parseKV([]byte("a = \"bad\\q\"\n"))
	assert.True(t, errors.Is(err, ErrCorrupt))
}

func TestNodeKeys(t *testing.T) {
	db, _ := newTestDB(nil)
	keys, err := db.NodeKeys()
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, db.AddNode(testNode("default"), nil, true))
	rec := testNode("default")
	rec.Conn.Address = "fd00::1"
	rec.TPGT = TPGTUnknown
	require.NoError(t, db.AddNode(rec, nil, true))

	keys, err = db.NodeKeys()
	require.NoError(t, err)
	assert.ElementsMatch(t, []NodeKey{
		{Name: "iqn.2010-01.com.example:tgt0", TPGT: 1, Address: "10.0.0.1", Port: 3260},
		{Name: "iqn.2010-01.com.example:tgt0", TPGT: -1, Address: "fd00::1", Port: 3260},
	}, keys)
}
