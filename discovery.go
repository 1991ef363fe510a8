package libiscsi

import (
	"errors"

	"k8s.io/klog/v2"

	"github.com/scaleoutsean/libiscsi-go/fwcontext"
	"github.com/scaleoutsean/libiscsi-go/idbm"
)

// DiscoverSendTargets queries the portal at address:port (port 0 means
// 3260) and creates or replaces a node record for every target portal found,
// once per local interface. The returned slice is nil when nothing was
// found.
//
// On failure no nodes are returned, but records written before the failure
// stay in the database.
func (c *Context) DiscoverSendTargets(address string, port int, auth *AuthInfo) ([]Node, error) {
	c.begin()
	nodes, err := c.discoverSendTargets(address, port, auth)
	if err = c.finish("discover_sendtargets", err); err != nil {
		return nil, err
	}
	return nodes, nil
}

func (c *Context) discoverSendTargets(address string, port int, auth *AuthInfo) ([]Node, error) {
	if err := ValidateAuthInfo(auth); err != nil {
		return nil, err
	}
	if err := checkAuthLen(auth); err != nil {
		return nil, err
	}
	if address == "" {
		return nil, newError(ErrInvalidArgument, "Empty discovery address")
	}
	if err := checkLen("discovery address", address, AddressMaxLen); err != nil {
		return nil, err
	}
	if port < 0 || port > 65535 {
		return nil, newError(ErrInvalidArgument, "Invalid port: %d", port)
	}

	drec := &idbm.DiscoveryRecord{
		Type:        idbm.DiscoverySendTargets,
		Address:     address,
		Port:        port,
		SendTargets: idbm.SendTargetsDefaults(),
	}
	if drec.Port == 0 {
		drec.Port = ISCSIListenPort
	}
	if auth != nil && auth.Method == AuthCHAP {
		drec.SendTargets.Auth = idbm.Auth{
			AuthMethod: idbm.AuthMethodCHAP,
			Username:   auth.CHAP.Username,
			Password:   auth.CHAP.Password,
			UsernameIn: auth.CHAP.ReverseUsername,
			PasswordIn: auth.CHAP.ReversePassword,
		}
	}

	if err := c.db.AddDiscovery(drec); err != nil {
		return nil, fromRecordDB(err)
	}
	recs, err := c.db.BindIfacesToNodes(idbm.DiscoverySendTargets, drec, nil)
	if err != nil {
		return nil, upstream(err)
	}
	return c.addNodes(recs, drec)
}

// DiscoverFirmware creates or replaces a node record for every boot target
// the firmware reports.
func (c *Context) DiscoverFirmware() ([]Node, error) {
	c.begin()
	nodes, err := c.discoverFirmware()
	if err = c.finish("discover_firmware", err); err != nil {
		return nil, err
	}
	return nodes, nil
}

func (c *Context) discoverFirmware() ([]Node, error) {
	targets, err := c.firmware.Targets()
	if err != nil {
		if errors.Is(err, fwcontext.ErrNoBootContext) {
			return nil, &Error{Kind: ErrNotFound, Msg: "Could not get list of targets from firmware", Err: err}
		}
		return nil, upstream(err)
	}
	ifaces := idbm.IfacesFromBootContexts(targets)
	drec := &idbm.DiscoveryRecord{Type: idbm.DiscoveryFirmware, Firmware: targets}
	recs, err := c.db.BindIfacesToNodes(idbm.DiscoveryFirmware, drec, ifaces)
	if err != nil {
		return nil, &Error{Kind: ErrUpstream, Msg: "Could not determine target nodes from firmware: " + err.Error(), Err: err}
	}
	return c.addNodes(recs, nil)
}

// addNodes persists recs, replacing existing records, and returns their
// public form.
func (c *Context) addNodes(recs []*idbm.NodeRecord, drec *idbm.DiscoveryRecord) ([]Node, error) {
	var nodes []Node
	if len(recs) > 0 {
		nodes = make([]Node, 0, len(recs))
	}
	for _, rec := range recs {
		if err := c.db.AddNode(rec, drec, true); err != nil {
			return nil, fromRecordDB(err)
		}
		klog.V(4).Infof("libiscsi: node %s bound to iface %s", rec.Key(), rec.Iface.Name)
		nodes = append(nodes, nodeFromRecord(rec))
	}
	return nodes, nil
}
