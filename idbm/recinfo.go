package idbm

import (
	"fmt"
	"strconv"
	"strings"
)

// MaxKeys bounds the descriptor table produced by RecInfoFor.
const MaxKeys = 128

// Visibility controls whether a descriptor is reported to callers.
type Visibility int

const (
	Hidden Visibility = iota
	Shown
	Masked
)

// ParamInfo is one slot of a record's descriptor table.
type ParamInfo struct {
	Name     string
	Value    string
	Visible  Visibility
	Writable bool
}

// RecInfo is the fixed-size descriptor table of a node record. Unused slots
// have an empty name and are hidden.
type RecInfo [MaxKeys]ParamInfo

// Param is a user supplied name/value pair.
type Param struct {
	Name  string
	Value string
}

// AllocParams wraps a single name/value pair into a parameter list.
func AllocParams(name, value string) ([]Param, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty parameter name", ErrUnknownParam)
	}
	return []Param{{Name: name, Value: value}}, nil
}

type paramDesc struct {
	name     string
	visible  Visibility
	writable bool
	get      func(*NodeRecord) string
	set      func(*NodeRecord, string) error
}

func strParam(name string, vis Visibility, writable bool, field func(*NodeRecord) *string) paramDesc {
	return paramDesc{
		name:     name,
		visible:  vis,
		writable: writable,
		get:      func(r *NodeRecord) string { return *field(r) },
		set: func(r *NodeRecord, v string) error {
			*field(r) = v
			return nil
		},
	}
}

func intParam(name string, vis Visibility, writable bool, field func(*NodeRecord) *int) paramDesc {
	return paramDesc{
		name:     name,
		visible:  vis,
		writable: writable,
		get:      func(r *NodeRecord) string { return strconv.Itoa(*field(r)) },
		set: func(r *NodeRecord, v string) error {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%w: %q for %s", ErrInvalidValue, v, name)
			}
			*field(r) = n
			return nil
		},
	}
}

// nodeParams is the ordered node record schema. The order is the file order.
var nodeParams = []paramDesc{
	strParam("node.name", Shown, false, func(r *NodeRecord) *string { return &r.Name }),
	intParam("node.tpgt", Shown, false, func(r *NodeRecord) *int { return &r.TPGT }),
	strParam("node.startup", Shown, true, func(r *NodeRecord) *string { return &r.Startup }),
	strParam("node.leading_login", Shown, true, func(r *NodeRecord) *string { return &r.LeadingLogin }),
	strParam("iface.iscsi_ifacename", Shown, false, func(r *NodeRecord) *string { return &r.Iface.Name }),
	strParam("iface.transport_name", Shown, false, func(r *NodeRecord) *string { return &r.Iface.TransportName }),
	strParam("iface.hwaddress", Shown, false, func(r *NodeRecord) *string { return &r.Iface.HWAddress }),
	strParam("iface.net_ifacename", Shown, false, func(r *NodeRecord) *string { return &r.Iface.NetIfaceName }),
	strParam("iface.ipaddress", Shown, false, func(r *NodeRecord) *string { return &r.Iface.IPAddress }),
	strParam("iface.initiatorname", Shown, false, func(r *NodeRecord) *string { return &r.Iface.InitiatorName }),
	strParam("node.discovery_address", Shown, false, func(r *NodeRecord) *string { return &r.DiscoveryAddress }),
	intParam("node.discovery_port", Shown, false, func(r *NodeRecord) *int { return &r.DiscoveryPort }),
	{
		name:    "node.discovery_type",
		visible: Shown,
		get:     func(r *NodeRecord) string { return r.DiscoveryType.String() },
		set: func(r *NodeRecord, v string) error {
			t, err := parseDiscoveryType(v)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidValue, err)
			}
			r.DiscoveryType = t
			return nil
		},
	},
	intParam("node.session.initial_login_retry_max", Shown, true, func(r *NodeRecord) *int { return &r.Session.InitialLoginRetryMax }),
	intParam("node.session.cmds_max", Shown, true, func(r *NodeRecord) *int { return &r.Session.CmdsMax }),
	intParam("node.session.queue_depth", Shown, true, func(r *NodeRecord) *int { return &r.Session.QueueDepth }),
	intParam("node.session.nr_sessions", Shown, true, func(r *NodeRecord) *int { return &r.Session.NrSessions }),
	strParam("node.session.auth.authmethod", Shown, true, func(r *NodeRecord) *string { return &r.Session.Auth.AuthMethod }),
	strParam("node.session.auth.username", Shown, true, func(r *NodeRecord) *string { return &r.Session.Auth.Username }),
	strParam("node.session.auth.password", Masked, true, func(r *NodeRecord) *string { return &r.Session.Auth.Password }),
	{
		name:    "node.session.auth.password_length",
		visible: Hidden,
		get:     func(r *NodeRecord) string { return strconv.Itoa(len(r.Session.Auth.Password)) },
		set:     func(*NodeRecord, string) error { return nil },
	},
	strParam("node.session.auth.username_in", Shown, true, func(r *NodeRecord) *string { return &r.Session.Auth.UsernameIn }),
	strParam("node.session.auth.password_in", Masked, true, func(r *NodeRecord) *string { return &r.Session.Auth.PasswordIn }),
	{
		name:    "node.session.auth.password_in_length",
		visible: Hidden,
		get:     func(r *NodeRecord) string { return strconv.Itoa(len(r.Session.Auth.PasswordIn)) },
		set:     func(*NodeRecord, string) error { return nil },
	},
	intParam("node.session.timeo.replacement_timeout", Shown, true, func(r *NodeRecord) *int { return &r.Session.Timeouts.ReplacementTimeout }),
	intParam("node.session.err_timeo.abort_timeout", Shown, true, func(r *NodeRecord) *int { return &r.Session.Timeouts.AbortTimeout }),
	intParam("node.session.err_timeo.lu_reset_timeout", Shown, true, func(r *NodeRecord) *int { return &r.Session.Timeouts.LUResetTimeout }),
	intParam("node.session.err_timeo.tgt_reset_timeout", Shown, true, func(r *NodeRecord) *int { return &r.Session.Timeouts.TgtResetTimeout }),
	strParam("node.session.iscsi.InitialR2T", Shown, true, func(r *NodeRecord) *string { return &r.Session.InitialR2T }),
	strParam("node.session.iscsi.ImmediateData", Shown, true, func(r *NodeRecord) *string { return &r.Session.ImmediateData }),
	intParam("node.session.iscsi.FirstBurstLength", Shown, true, func(r *NodeRecord) *int { return &r.Session.FirstBurstLength }),
	intParam("node.session.iscsi.MaxBurstLength", Shown, true, func(r *NodeRecord) *int { return &r.Session.MaxBurstLength }),
	strParam("node.session.iscsi.FastAbort", Shown, true, func(r *NodeRecord) *string { return &r.Session.FastAbort }),
	strParam("node.conn[0].address", Shown, false, func(r *NodeRecord) *string { return &r.Conn.Address }),
	intParam("node.conn[0].port", Shown, false, func(r *NodeRecord) *int { return &r.Conn.Port }),
	strParam("node.conn[0].startup", Shown, true, func(r *NodeRecord) *string { return &r.Conn.Startup }),
	intParam("node.conn[0].timeo.login_timeout", Shown, true, func(r *NodeRecord) *int { return &r.Conn.LoginTimeout }),
	intParam("node.conn[0].timeo.logout_timeout", Shown, true, func(r *NodeRecord) *int { return &r.Conn.LogoutTimeout }),
	intParam("node.conn[0].timeo.noop_out_interval", Shown, true, func(r *NodeRecord) *int { return &r.Conn.NoopOutInterval }),
	intParam("node.conn[0].timeo.noop_out_timeout", Shown, true, func(r *NodeRecord) *int { return &r.Conn.NoopOutTimeout }),
	strParam("node.conn[0].iscsi.HeaderDigest", Shown, true, func(r *NodeRecord) *string { return &r.Conn.HeaderDigest }),
	strParam("node.conn[0].iscsi.DataDigest", Shown, true, func(r *NodeRecord) *string { return &r.Conn.DataDigest }),
	intParam("node.conn[0].iscsi.MaxRecvDataSegmentLength", Shown, true, func(r *NodeRecord) *int { return &r.Conn.MaxRecvDataSegLength }),
}

func lookupParam(name string) (paramDesc, bool) {
	for _, p := range nodeParams {
		if p.name == name {
			return p, true
		}
	}
	return paramDesc{}, false
}

// RecInfoFor builds the descriptor table of rec.
func RecInfoFor(rec *NodeRecord) *RecInfo {
	info := new(RecInfo)
	for i, p := range nodeParams {
		info[i] = ParamInfo{
			Name:     p.name,
			Value:    p.get(rec),
			Visible:  p.visible,
			Writable: p.writable,
		}
	}
	return info
}

// ApplyParams sets every param on rec. It stops at the first unknown or
// read-only name.
func ApplyParams(rec *NodeRecord, params []Param) error {
	for _, p := range params {
		desc, ok := lookupParam(p.Name)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownParam, p.Name)
		}
		if !desc.writable {
			return fmt.Errorf("%w: %s", ErrReadOnlyParam, p.Name)
		}
		if strings.ContainsAny(p.Value, "\r\n") {
			return fmt.Errorf("%w: line break in %s", ErrInvalidValue, p.Name)
		}
		if err := desc.set(rec, p.Value); err != nil {
			return err
		}
	}
	return nil
}
