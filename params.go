package libiscsi

import (
	"github.com/scaleoutsean/libiscsi-go/idbm"
)

// SetParameter writes key = value to every record bound to node.
func (c *Context) SetParameter(node Node, key, value string) error {
	c.begin()
	return c.finish("set_parameter", c.setParameter(node, key, value))
}

func (c *Context) setParameter(node Node, key, value string) error {
	if err := node.validate(); err != nil {
		return err
	}
	if err := checkLen("parameter value", value, ValueMaxLen); err != nil {
		return err
	}
	params, err := idbm.AllocParams(key, value)
	if err != nil {
		return fromRecordDB(err)
	}
	return c.forEachBoundIface("set_parameter", node, func(rec *idbm.NodeRecord) error {
		if err := c.db.SetNodeParams(rec, params); err != nil {
			return fromRecordDB(err)
		}
		return nil
	})
}

// GetParameter reads key from the records bound to node. When several
// interfaces are bound, the value of the last record enumerated is
// returned.
func (c *Context) GetParameter(node Node, key string) (string, error) {
	c.begin()
	value, err := c.getParameter(node, key)
	if err = c.finish("get_parameter", err); err != nil {
		return "", err
	}
	return value, nil
}

func (c *Context) getParameter(node Node, key string) (string, error) {
	if err := node.validate(); err != nil {
		return "", err
	}
	var value string
	found := false
	err := c.forEachBoundIface("get_parameter", node, func(rec *idbm.NodeRecord) error {
		info := idbm.RecInfoFor(rec)
		for i := range info {
			if info[i].Visible == idbm.Hidden || info[i].Name != key {
				continue
			}
			value = info[i].Value
			found = true
			break
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if !found {
		return "", newError(ErrInvalidArgument, "No such parameter")
	}
	if err := checkLen(key, value, ValueMaxLen); err != nil {
		return "", err
	}
	return value, nil
}
