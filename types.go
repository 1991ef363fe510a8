package libiscsi

import (
	"github.com/scaleoutsean/libiscsi-go/idbm"
	"github.com/scaleoutsean/libiscsi-go/sysfs"
)

// Node identifies a target portal. Iface is reported by discovery and, when
// set, narrows Login and Logout to records or sessions on that interface.
type Node struct {
	Name    string
	TPGT    int
	Address string
	Port    int
	Iface   string
}

func (n Node) key() idbm.NodeKey {
	return idbm.NodeKey{Name: n.Name, TPGT: n.TPGT, Address: n.Address, Port: n.Port}
}

func (n Node) validate() error {
	if err := checkLen("node name", n.Name, ValueMaxLen); err != nil {
		return err
	}
	if err := checkLen("node address", n.Address, AddressMaxLen); err != nil {
		return err
	}
	return checkLen("iface name", n.Iface, ValueMaxLen)
}

func nodeFromRecord(rec *idbm.NodeRecord) Node {
	return Node{
		Name:    rec.Name,
		TPGT:    rec.TPGT,
		Address: rec.Conn.Address,
		Port:    rec.Conn.Port,
		Iface:   rec.Iface.Name,
	}
}

// AuthMethod selects the authentication of a session.
type AuthMethod int

const (
	AuthNone AuthMethod = iota
	AuthCHAP
)

func (m AuthMethod) String() string {
	switch m {
	case AuthNone:
		return idbm.AuthMethodNone
	case AuthCHAP:
		return idbm.AuthMethodCHAP
	default:
		return "unknown"
	}
}

// ChapCredentials are the forward and, optionally, reverse CHAP secrets.
type ChapCredentials struct {
	Username        string
	Password        string
	ReverseUsername string
	ReversePassword string
}

// AuthInfo describes how to authenticate. CHAP is only used with AuthCHAP.
type AuthInfo struct {
	Method AuthMethod
	CHAP   ChapCredentials
}

// SessionTimeout are the error recovery timeouts of a session, in seconds.
type SessionTimeout struct {
	AbortTmo    int
	LUResetTmo  int
	RecoveryTmo int
	TgtResetTmo int
}

// ChapAuthInfo are the credentials a session logged in with.
type ChapAuthInfo struct {
	Username   string
	Password   string
	UsernameIn string
	PasswordIn string
}

// SessionInfo describes one live session.
type SessionInfo struct {
	SID               int
	Timeout           SessionTimeout
	CHAP              ChapAuthInfo
	TargetName        string
	Address           string
	Port              int
	PersistentAddress string
	PersistentPort    int
	TPGT              int
	Iface             string
}

func sessionFromSysfs(s *sysfs.SessionInfo) SessionInfo {
	return SessionInfo{
		SID:               s.SID,
		Timeout:           SessionTimeout(s.Tmo),
		CHAP:              ChapAuthInfo(s.CHAP),
		TargetName:        s.TargetName,
		Address:           s.Address,
		Port:              s.Port,
		PersistentAddress: s.PersistentAddress,
		PersistentPort:    s.PersistentPort,
		TPGT:              s.TPGT,
		Iface:             s.Iface,
	}
}

// NetworkConfig is the boot NIC setup published by firmware.
type NetworkConfig struct {
	DHCP         bool
	IfaceName    string
	MACAddress   string
	IPAddress    string
	Netmask      string
	Gateway      string
	PrimaryDNS   string
	SecondaryDNS string
}
