// Package idbm is the persistent iSCSI record database: discovery records,
// interface records and node records bound to an interface.
//
// Records are stored as "key = value" text files under a root directory:
//
//	<root>/send_targets/<address>,<port>/st_config
//	<root>/ifaces/<iface>
//	<root>/nodes/<target>/<address>,<port>,<tpgt>/<iface>
package idbm

import (
	"fmt"
	"net"
	"strconv"

	"github.com/scaleoutsean/libiscsi-go/fwcontext"
)

const (
	// DefaultRoot is where open-iscsi compatible hosts keep their records.
	DefaultRoot = "/etc/iscsi"

	// DefaultIfaceName is the software iSCSI interface used when no iface
	// records exist.
	DefaultIfaceName = "default"

	// DefaultPort is the well-known iSCSI port.
	DefaultPort = 3260

	// TPGTUnknown marks records whose portal group tag was never reported,
	// e.g. records created from firmware boot contexts.
	TPGTUnknown = -1
)

// DiscoveryType selects how a DiscoveryRecord finds targets.
type DiscoveryType int

const (
	DiscoverySendTargets DiscoveryType = iota
	DiscoveryFirmware
	DiscoveryStatic
)

func (t DiscoveryType) String() string {
	switch t {
	case DiscoverySendTargets:
		return "send_targets"
	case DiscoveryFirmware:
		return "fw"
	case DiscoveryStatic:
		return "static"
	default:
		return "unknown"
	}
}

func parseDiscoveryType(s string) (DiscoveryType, error) {
	switch s {
	case "send_targets":
		return DiscoverySendTargets, nil
	case "fw":
		return DiscoveryFirmware, nil
	case "static":
		return DiscoveryStatic, nil
	}
	return 0, fmt.Errorf("unknown discovery type %q", s)
}

// AuthMethod values as stored in records.
const (
	AuthMethodNone = "None"
	AuthMethodCHAP = "CHAP"
)

// Auth holds CHAP settings of a session or discovery session.
type Auth struct {
	AuthMethod string
	Username   string
	Password   string
	UsernameIn string
	PasswordIn string
}

// SendTargetsSettings are the send-targets specific discovery settings.
type SendTargetsSettings struct {
	Auth          Auth
	ReopenMax     int
	AuthTimeout   int
	ActiveTimeout int
	UseDiscoveryd bool
}

// DiscoveryRecord describes one discovery request. Firmware discovery carries
// the pre-discovered boot contexts instead of an address.
type DiscoveryRecord struct {
	Type        DiscoveryType
	Address     string
	Port        int
	SendTargets SendTargetsSettings
	Firmware    []fwcontext.BootContext
}

// SendTargetsDefaults returns the send-targets settings used when the caller
// does not override them.
func SendTargetsDefaults() SendTargetsSettings {
	return SendTargetsSettings{
		Auth:          Auth{AuthMethod: AuthMethodNone},
		ReopenMax:     5,
		AuthTimeout:   45,
		ActiveTimeout: 30,
	}
}

// Iface is a local interface record a node can be bound to.
type Iface struct {
	Name          string
	TransportName string
	HWAddress     string
	NetIfaceName  string
	IPAddress     string
	InitiatorName string
}

// DefaultIface is the software TCP interface.
func DefaultIface() Iface {
	return Iface{Name: DefaultIfaceName, TransportName: "tcp"}
}

// SessionTimeouts mirror node.session.{timeo,err_timeo}.*.
type SessionTimeouts struct {
	ReplacementTimeout int
	AbortTimeout       int
	LUResetTimeout     int
	TgtResetTimeout    int
}

// ConnSettings is the first (and only) connection of a node record.
type ConnSettings struct {
	Address              string
	Port                 int
	Startup              string
	LoginTimeout         int
	LogoutTimeout        int
	NoopOutInterval      int
	NoopOutTimeout       int
	HeaderDigest         string
	DataDigest           string
	MaxRecvDataSegLength int
}

// SessionSettings are the node.session.* values.
type SessionSettings struct {
	Auth                 Auth
	Timeouts             SessionTimeouts
	InitialLoginRetryMax int
	CmdsMax              int
	QueueDepth           int
	NrSessions           int
	InitialR2T           string
	ImmediateData        string
	FirstBurstLength     int
	MaxBurstLength       int
	FastAbort            string
}

// NodeRecord is one target portal bound to one interface.
type NodeRecord struct {
	Name             string
	TPGT             int
	Startup          string
	LeadingLogin     string
	DiscoveryAddress string
	DiscoveryPort    int
	DiscoveryType    DiscoveryType
	Session          SessionSettings
	Conn             ConnSettings
	Iface            Iface
}

// NewNodeRecord returns a record populated with the stock node defaults.
func NewNodeRecord() *NodeRecord {
	return &NodeRecord{
		TPGT:          TPGTUnknown,
		Startup:       "manual",
		LeadingLogin:  "No",
		DiscoveryType: DiscoveryStatic,
		Session: SessionSettings{
			Auth: Auth{AuthMethod: AuthMethodNone},
			Timeouts: SessionTimeouts{
				ReplacementTimeout: 120,
				AbortTimeout:       15,
				LUResetTimeout:     30,
				TgtResetTimeout:    30,
			},
			InitialLoginRetryMax: 8,
			CmdsMax:              128,
			QueueDepth:           32,
			NrSessions:           1,
			InitialR2T:           "No",
			ImmediateData:        "Yes",
			FirstBurstLength:     262144,
			MaxBurstLength:       16776192,
			FastAbort:            "Yes",
		},
		Conn: ConnSettings{
			Port:                 DefaultPort,
			Startup:              "manual",
			LoginTimeout:         15,
			LogoutTimeout:        15,
			NoopOutInterval:      5,
			NoopOutTimeout:       5,
			HeaderDigest:         "None",
			DataDigest:           "None",
			MaxRecvDataSegLength: 262144,
		},
		Iface: DefaultIface(),
	}
}

// Key returns the identity a record is stored under, without the iface.
func (r *NodeRecord) Key() NodeKey {
	return NodeKey{Name: r.Name, TPGT: r.TPGT, Address: r.Conn.Address, Port: r.Conn.Port}
}

// Portal renders the connection address as host:port.
func (r *NodeRecord) Portal() string {
	return net.JoinHostPort(r.Conn.Address, strconv.Itoa(r.Conn.Port))
}

// NodeKey addresses every iface-bound record of one target portal.
type NodeKey struct {
	Name    string
	TPGT    int
	Address string
	Port    int
}

func (k NodeKey) String() string {
	return fmt.Sprintf("%s,%s,%d", k.Name, net.JoinHostPort(k.Address, strconv.Itoa(k.Port)), k.TPGT)
}

// DiscoveredTarget is one entry returned by a send-targets query.
type DiscoveredTarget struct {
	Name    string
	Address string
	Port    int
	TPGT    int
}
