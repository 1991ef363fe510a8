// Package iscsid hands login, logout and send-targets requests to the host's
// iSCSI daemon. Discovery goes through goiscsi; login and logout run
// iscsiadm directly so a request never reaches past one iface or one session.
package iscsid

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/dell/goiscsi"
	"k8s.io/klog/v2"
	utilexec "k8s.io/utils/exec"

	"github.com/scaleoutsean/libiscsi-go/idbm"
)

const iscsiadmCmd = "iscsiadm"

// iscsiadm exit codes
const (
	errSessExists  = 15
	errNoObjsFound = 21
)

// iscsiadm is the part of goiscsi.ISCSIinterface the agent relies on.
type iscsiadm interface {
	DiscoverTargets(address string, login bool) ([]goiscsi.ISCSITarget, error)
}

// Agent talks to iscsid on behalf of the library.
type Agent struct {
	adm  iscsiadm
	exec utilexec.Interface
}

// New wraps a goiscsi client for discovery and ex for login and logout.
func New(adm iscsiadm, ex utilexec.Interface) *Agent {
	return &Agent{adm: adm, exec: ex}
}

// NewLinux returns an agent driving iscsiadm on the local host.
func NewLinux() *Agent {
	return New(goiscsi.NewLinuxISCSI(nil), utilexec.New())
}

func (a *Agent) run(args ...string) (string, int, error) {
	out, err := a.exec.Command(iscsiadmCmd, args...).CombinedOutput()
	msg := strings.TrimSpace(string(out))
	if err == nil {
		return msg, 0, nil
	}
	var ee utilexec.ExitError
	if errors.As(err, &ee) {
		return msg, ee.ExitStatus(), err
	}
	return msg, -1, err
}

// LoginByRecord asks iscsid to log in to the portal described by rec,
// through rec's iface only.
func (a *Agent) LoginByRecord(rec *idbm.NodeRecord) error {
	portal := rec.Portal()
	args := []string{"-m", "node", "-T", rec.Name, "-p", portal}
	if rec.Iface.Name != "" {
		args = append(args, "-I", rec.Iface.Name)
	}
	args = append(args, "-l")

	klog.V(2).Infof("iscsid: login %s at %s (iface %s)", rec.Name, portal, rec.Iface.Name)
	out, code, err := a.run(args...)
	switch {
	case err == nil:
		return nil
	case code == errSessExists:
		klog.V(2).Infof("iscsid: %s at %s (iface %s) is already logged in", rec.Name, portal, rec.Iface.Name)
		return nil
	}
	return fmt.Errorf("login to %s at %s failed: %v: %s", rec.Name, portal, err, out)
}

// LogoutBySID asks iscsid to tear down the session with the given id and
// no other.
func (a *Agent) LogoutBySID(sid int) error {
	klog.V(2).Infof("iscsid: logout session %d", sid)
	out, code, err := a.run("-m", "session", "-r", strconv.Itoa(sid), "-u")
	switch {
	case err == nil:
		return nil
	case code == errNoObjsFound:
		return fmt.Errorf("session %d is not known to iscsid", sid)
	}
	return fmt.Errorf("logout of session %d failed: %v: %s", sid, err, out)
}

// DiscoverTargets runs a send-targets query against drec's portal.
func (a *Agent) DiscoverTargets(drec *idbm.DiscoveryRecord, iface idbm.Iface) ([]idbm.DiscoveredTarget, error) {
	portal := net.JoinHostPort(drec.Address, strconv.Itoa(drec.Port))
	if drec.SendTargets.Auth.AuthMethod == idbm.AuthMethodCHAP {
		klog.V(2).Infof("iscsid: discovery CHAP for %s is taken from the persisted discovery record", portal)
	}
	klog.V(2).Infof("iscsid: send-targets discovery at %s via iface %s", portal, iface.Name)
	found, err := a.adm.DiscoverTargets(portal, false)
	if err != nil {
		return nil, fmt.Errorf("send-targets discovery at %s failed: %v", portal, err)
	}
	out := make([]idbm.DiscoveredTarget, 0, len(found))
	for _, t := range found {
		dt, err := parseTarget(t)
		if err != nil {
			klog.Warningf("iscsid: %v", err)
			continue
		}
		out = append(out, dt)
	}
	return out, nil
}

func parseTarget(t goiscsi.ISCSITarget) (idbm.DiscoveredTarget, error) {
	portal := t.Portal
	tpgt := idbm.TPGTUnknown
	// "10.0.0.1:3260,1" when the group tag was left on the portal
	if p, tag, ok := strings.Cut(portal, ","); ok {
		portal = p
		if t.GroupTag == "" {
			t.GroupTag = tag
		}
	}
	if t.GroupTag != "" {
		n, err := strconv.Atoi(t.GroupTag)
		if err != nil {
			return idbm.DiscoveredTarget{}, fmt.Errorf("target %s: bad group tag %q", t.Target, t.GroupTag)
		}
		tpgt = n
	}
	host, port := portal, idbm.DefaultPort
	if h, p, err := net.SplitHostPort(portal); err == nil {
		host = h
		if port, err = strconv.Atoi(p); err != nil {
			return idbm.DiscoveredTarget{}, fmt.Errorf("target %s: bad portal %q", t.Target, t.Portal)
		}
	}
	return idbm.DiscoveredTarget{Name: t.Target, Address: host, Port: port, TPGT: tpgt}, nil
}
