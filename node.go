package libiscsi

import (
	"github.com/scaleoutsean/libiscsi-go/idbm"
	"github.com/scaleoutsean/libiscsi-go/sysfs"
)

// Login asks iscsid to log in every record bound to node. With node.Iface
// set, records on other interfaces are left alone.
func (c *Context) Login(node Node) error {
	c.begin()
	return c.finish("login", c.login(node))
}

func (c *Context) login(node Node) error {
	if err := node.validate(); err != nil {
		return err
	}
	return c.forEachBoundIface("login", node, func(rec *idbm.NodeRecord) error {
		if node.Iface != "" && rec.Iface.Name != node.Iface {
			return errSkip
		}
		return c.agent.LoginByRecord(rec)
	})
}

// Logout asks iscsid to log out every live session to node. A session
// matches on target name and tpgt, on its current or persistent portal, and
// on node.Iface when that is set.
func (c *Context) Logout(node Node) error {
	c.begin()
	return c.finish("logout", c.logout(node))
}

func (c *Context) logout(node Node) error {
	if err := node.validate(); err != nil {
		return err
	}
	return c.forEachSession("logout", func(s *sysfs.SessionInfo) error {
		if !sessionMatches(node, s) {
			return errSkip
		}
		return c.agent.LogoutBySID(s.SID)
	})
}

func sessionMatches(node Node, s *sysfs.SessionInfo) bool {
	if s.TargetName != node.Name || s.TPGT != node.TPGT {
		return false
	}
	if !SameAddress(node.Address, s.Address) && !SameAddress(node.Address, s.PersistentAddress) {
		return false
	}
	if node.Port != s.Port && node.Port != s.PersistentPort {
		return false
	}
	return node.Iface == "" || node.Iface == s.Iface
}

// Nodes lists every stored node record, one entry per bound interface.
func (c *Context) Nodes() ([]Node, error) {
	c.begin()
	nodes, err := c.nodes()
	if err = c.finish("list_nodes", err); err != nil {
		return nil, err
	}
	return nodes, nil
}

func (c *Context) nodes() ([]Node, error) {
	keys, err := c.db.NodeKeys()
	if err != nil {
		return nil, fromRecordDB(err)
	}
	var nodes []Node
	for _, key := range keys {
		_, err := c.db.ForEachIface(key, func(rec *idbm.NodeRecord) error {
			nodes = append(nodes, nodeFromRecord(rec))
			return nil
		})
		if err != nil {
			return nil, fromRecordDB(err)
		}
	}
	if len(nodes) == 0 {
		return nil, newError(ErrNotFound, "No records found")
	}
	return nodes, nil
}
