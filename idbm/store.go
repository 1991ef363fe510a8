package idbm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"k8s.io/klog/v2"

	"github.com/scaleoutsean/libiscsi-go/fwcontext"
)

const (
	nodesDir       = "nodes"
	sendTargetsDir = "send_targets"
	ifacesDir      = "ifaces"
	stConfigFile   = "st_config"
)

// Discoverer queries a send-targets portal through a local interface.
type Discoverer interface {
	DiscoverTargets(drec *DiscoveryRecord, iface Iface) ([]DiscoveredTarget, error)
}

// DB is a file backed record database.
type DB struct {
	fs         afero.Fs
	root       string
	discoverer Discoverer
}

// New returns a DB rooted at root. The discoverer is only needed for
// send-targets binding.
func New(fs afero.Fs, root string, d Discoverer) *DB {
	return &DB{fs: fs, root: root, discoverer: d}
}

// Root returns the directory the records live under.
func (db *DB) Root() string {
	return db.root
}

func validPathElem(s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, "/\x00") {
		return fmt.Errorf("invalid record path element %q", s)
	}
	return nil
}

func portalDir(address string, port, tpgt int) string {
	return fmt.Sprintf("%s,%d,%d", address, port, tpgt)
}

func (db *DB) nodeDir(key NodeKey) (string, error) {
	if err := validPathElem(key.Name); err != nil {
		return "", err
	}
	if err := validPathElem(key.Address); err != nil {
		return "", err
	}
	return filepath.Join(db.root, nodesDir, key.Name, portalDir(key.Address, key.Port, key.TPGT)), nil
}

// AddDiscovery persists a send-targets discovery record. Other discovery
// types have nothing to persist.
func (db *DB) AddDiscovery(drec *DiscoveryRecord) error {
	if drec.Type != DiscoverySendTargets {
		return nil
	}
	if err := validPathElem(drec.Address); err != nil {
		return err
	}
	dir := filepath.Join(db.root, sendTargetsDir, fmt.Sprintf("%s,%d", drec.Address, drec.Port))
	if err := db.fs.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("could not create discovery record dir %s: %v", dir, err)
	}
	path := filepath.Join(dir, stConfigFile)
	if err := afero.WriteFile(db.fs, path, marshalDiscovery(drec), 0o600); err != nil {
		return fmt.Errorf("could not write discovery record %s: %v", path, err)
	}
	klog.V(4).Infof("idbm: wrote discovery record %s", path)
	return nil
}

// DiscoveryRecord reads a persisted send-targets record.
func (db *DB) DiscoveryRecord(address string, port int) (*DiscoveryRecord, error) {
	path := filepath.Join(db.root, sendTargetsDir, fmt.Sprintf("%s,%d", address, port), stConfigFile)
	data, err := afero.ReadFile(db.fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: discovery %s,%d", ErrNotFound, address, port)
		}
		return nil, err
	}
	return unmarshalDiscovery(data)
}

// AddIface persists an interface record.
func (db *DB) AddIface(iface Iface) error {
	if err := validPathElem(iface.Name); err != nil {
		return err
	}
	dir := filepath.Join(db.root, ifacesDir)
	if err := db.fs.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	return afero.WriteFile(db.fs, filepath.Join(dir, iface.Name), marshalIface(iface), 0o600)
}

// Ifaces lists the persisted interfaces in name order. Without any iface
// records the default software interface is returned.
func (db *DB) Ifaces() ([]Iface, error) {
	entries, err := afero.ReadDir(db.fs, filepath.Join(db.root, ifacesDir))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	var out []Iface
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := afero.ReadFile(db.fs, filepath.Join(db.root, ifacesDir, e.Name()))
		if err != nil {
			return nil, err
		}
		iface, err := unmarshalIface(data)
		if err != nil {
			return nil, fmt.Errorf("iface %s: %w", e.Name(), err)
		}
		if iface.Name == "" {
			iface.Name = e.Name()
		}
		out = append(out, iface)
	}
	if len(out) == 0 {
		out = []Iface{DefaultIface()}
	}
	return out, nil
}

// IfacesFromBootContexts creates one interface per distinct boot NIC.
func IfacesFromBootContexts(contexts []fwcontext.BootContext) []Iface {
	var out []Iface
	seen := make(map[string]bool)
	for _, c := range contexts {
		name := "fw-" + strings.ReplaceAll(strings.ToLower(c.MAC), ":", "")
		if c.Iface != "" {
			name = "fw-" + c.Iface
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, Iface{
			Name:          name,
			TransportName: "tcp",
			HWAddress:     strings.ToLower(c.MAC),
			NetIfaceName:  c.Iface,
			IPAddress:     c.IPAddress,
			InitiatorName: c.InitiatorName,
		})
	}
	return out
}

// BindIfacesToNodes turns a discovery record into node records, one per
// discovered target portal and interface. Nothing is persisted.
func (db *DB) BindIfacesToNodes(kind DiscoveryType, drec *DiscoveryRecord, ifaces []Iface) ([]*NodeRecord, error) {
	switch kind {
	case DiscoverySendTargets:
		return db.bindSendTargets(drec, ifaces)
	case DiscoveryFirmware:
		return bindFirmware(drec, ifaces), nil
	default:
		return nil, fmt.Errorf("unsupported discovery type %s", kind)
	}
}

func (db *DB) bindSendTargets(drec *DiscoveryRecord, ifaces []Iface) ([]*NodeRecord, error) {
	if db.discoverer == nil {
		return nil, errors.New("no send-targets discoverer configured")
	}
	if ifaces == nil {
		var err error
		if ifaces, err = db.Ifaces(); err != nil {
			return nil, err
		}
	}
	var recs []*NodeRecord
	for _, iface := range ifaces {
		targets, err := db.discoverer.DiscoverTargets(drec, iface)
		if err != nil {
			return nil, err
		}
		for _, t := range targets {
			if validPathElem(t.Name) != nil || validPathElem(t.Address) != nil {
				klog.Warningf("idbm: ignoring target %q at %q returned by %s", t.Name, t.Address, drec.Address)
				continue
			}
			rec := NewNodeRecord()
			rec.Name = t.Name
			rec.TPGT = t.TPGT
			rec.Conn.Address = t.Address
			rec.Conn.Port = t.Port
			if rec.Conn.Port == 0 {
				rec.Conn.Port = DefaultPort
			}
			rec.DiscoveryType = DiscoverySendTargets
			rec.DiscoveryAddress = drec.Address
			rec.DiscoveryPort = drec.Port
			rec.Iface = iface
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

func bindFirmware(drec *DiscoveryRecord, ifaces []Iface) []*NodeRecord {
	var recs []*NodeRecord
	for _, c := range drec.Firmware {
		rec := NewNodeRecord()
		rec.Name = c.TargetName
		rec.TPGT = TPGTUnknown
		rec.Startup = "onboot"
		rec.Conn.Startup = "onboot"
		rec.Conn.Address = c.TargetIPAddress
		rec.Conn.Port = c.TargetPort
		if rec.Conn.Port == 0 {
			rec.Conn.Port = DefaultPort
		}
		rec.DiscoveryType = DiscoveryFirmware
		if c.CHAPName != "" {
			rec.Session.Auth = Auth{
				AuthMethod: AuthMethodCHAP,
				Username:   c.CHAPName,
				Password:   c.CHAPPassword,
				UsernameIn: c.CHAPNameIn,
				PasswordIn: c.CHAPPasswordIn,
			}
		}
		rec.Iface = DefaultIface()
		for _, iface := range ifaces {
			if strings.EqualFold(iface.HWAddress, c.MAC) {
				rec.Iface = iface
				break
			}
		}
		recs = append(recs, rec)
	}
	return recs
}

// AddNode persists rec under its identity and iface. When drec is set the
// record is linked to that discovery. An existing record is replaced only
// with overwrite set.
func (db *DB) AddNode(rec *NodeRecord, drec *DiscoveryRecord, overwrite bool) error {
	if drec != nil {
		rec.DiscoveryType = drec.Type
		rec.DiscoveryAddress = drec.Address
		rec.DiscoveryPort = drec.Port
	}
	return db.writeNode(rec, overwrite)
}

func (db *DB) writeNode(rec *NodeRecord, overwrite bool) error {
	dir, err := db.nodeDir(rec.Key())
	if err != nil {
		return err
	}
	if err := validPathElem(rec.Iface.Name); err != nil {
		return err
	}
	path := filepath.Join(dir, rec.Iface.Name)
	if !overwrite {
		if ok, _ := afero.Exists(db.fs, path); ok {
			return fmt.Errorf("%w: %s", ErrExists, path)
		}
	}
	if err := db.fs.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("could not create node dir %s: %v", dir, err)
	}
	if err := afero.WriteFile(db.fs, path, marshalNode(rec), 0o600); err != nil {
		return fmt.Errorf("could not write node record %s: %v", path, err)
	}
	klog.V(4).Infof("idbm: wrote node record %s", path)
	return nil
}

// ForEachIface calls fn with every iface-bound record of key, in iface name
// order. Records for which fn returns ErrSkip are not counted. Any other
// error stops the walk and is returned with the count so far. A key that
// cannot name a stored record matches nothing.
func (db *DB) ForEachIface(key NodeKey, fn func(*NodeRecord) error) (int, error) {
	dir, err := db.nodeDir(key)
	if err != nil {
		klog.V(4).Infof("idbm: %v", err)
		return 0, nil
	}
	entries, err := afero.ReadDir(db.fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	found := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := afero.ReadFile(db.fs, path)
		if err != nil {
			return found, err
		}
		rec, err := unmarshalNode(data)
		if err != nil {
			return found, fmt.Errorf("%s: %w", path, err)
		}
		if rec.Iface.Name == "" {
			rec.Iface.Name = e.Name()
		}
		err = fn(rec)
		if errors.Is(err, ErrSkip) {
			continue
		}
		found++
		if err != nil {
			return found, err
		}
	}
	return found, nil
}

// SetNodeParams applies params to rec and writes it back.
func (db *DB) SetNodeParams(rec *NodeRecord, params []Param) error {
	if err := ApplyParams(rec, params); err != nil {
		return err
	}
	return db.writeNode(rec, true)
}

func parsePortalDir(name string) (address string, port, tpgt int, err error) {
	i := strings.LastIndex(name, ",")
	if i < 0 {
		return "", 0, 0, fmt.Errorf("bad portal dir %q", name)
	}
	if tpgt, err = strconv.Atoi(name[i+1:]); err != nil {
		return "", 0, 0, fmt.Errorf("bad portal dir %q", name)
	}
	rest := name[:i]
	j := strings.LastIndex(rest, ",")
	if j < 0 {
		return "", 0, 0, fmt.Errorf("bad portal dir %q", name)
	}
	if port, err = strconv.Atoi(rest[j+1:]); err != nil {
		return "", 0, 0, fmt.Errorf("bad portal dir %q", name)
	}
	return rest[:j], port, tpgt, nil
}

// NodeKeys lists every stored target portal, in directory order.
func (db *DB) NodeKeys() ([]NodeKey, error) {
	targets, err := afero.ReadDir(db.fs, filepath.Join(db.root, nodesDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var keys []NodeKey
	for _, t := range targets {
		if !t.IsDir() {
			continue
		}
		portals, err := afero.ReadDir(db.fs, filepath.Join(db.root, nodesDir, t.Name()))
		if err != nil {
			return nil, err
		}
		for _, p := range portals {
			addr, port, tpgt, err := parsePortalDir(p.Name())
			if err != nil {
				klog.Warningf("idbm: %v", err)
				continue
			}
			keys = append(keys, NodeKey{Name: t.Name(), TPGT: tpgt, Address: addr, Port: port})
		}
	}
	return keys, nil
}
