package libiscsi

import (
	"github.com/scaleoutsean/libiscsi-go/fwcontext"
	"github.com/scaleoutsean/libiscsi-go/idbm"
	"github.com/scaleoutsean/libiscsi-go/sysfs"
)

// RecordDB is the persistent record store. *idbm.DB implements it.
type RecordDB interface {
	AddDiscovery(drec *idbm.DiscoveryRecord) error
	BindIfacesToNodes(kind idbm.DiscoveryType, drec *idbm.DiscoveryRecord, ifaces []idbm.Iface) ([]*idbm.NodeRecord, error)
	AddNode(rec *idbm.NodeRecord, drec *idbm.DiscoveryRecord, overwrite bool) error
	ForEachIface(key idbm.NodeKey, fn func(*idbm.NodeRecord) error) (int, error)
	SetNodeParams(rec *idbm.NodeRecord, params []idbm.Param) error
	NodeKeys() ([]idbm.NodeKey, error)
}

// LoginAgent forwards login and logout requests to iscsid. *iscsid.Agent
// implements it.
type LoginAgent interface {
	LoginByRecord(rec *idbm.NodeRecord) error
	LogoutBySID(sid int) error
}

// SessionSource enumerates live sessions. *sysfs.Reader implements it.
type SessionSource interface {
	ForEachSession(fn func(*sysfs.SessionInfo) error) (int, error)
	SessionByID(id string) (*sysfs.SessionInfo, error)
}

// FirmwareSource returns boot contexts published by firmware.
// *fwcontext.Reader implements it.
type FirmwareSource interface {
	Targets() ([]fwcontext.BootContext, error)
	Entry() (*fwcontext.BootContext, error)
}

var (
	_ RecordDB       = (*idbm.DB)(nil)
	_ SessionSource  = (*sysfs.Reader)(nil)
	_ FirmwareSource = (*fwcontext.Reader)(nil)
)
