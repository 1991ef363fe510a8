package libiscsi

import (
	"errors"

	"github.com/scaleoutsean/libiscsi-go/idbm"
	"github.com/scaleoutsean/libiscsi-go/sysfs"
)

// errSkip is returned by a fan-out operation for a record or session that
// is not a match. Skipped entries are not counted.
var errSkip = errors.New("libiscsi: not a match")

// visit classifies the result of one fan-out operation. Errors other than
// errSkip and ErrOutOfMemory are kept in last and the walk goes on.
func visit(err error, skip error, last *error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errSkip):
		return skip
	case errors.Is(err, ErrOutOfMemory):
		return err
	default:
		*last = upstream(err)
		return nil
	}
}

// forEachBoundIface runs fn on every record bound to node, in record
// database order. It fails with ErrNotFound when nothing matched and
// otherwise returns the error of the last failing match.
func (c *Context) forEachBoundIface(op string, node Node, fn func(*idbm.NodeRecord) error) error {
	var last error
	n, err := c.db.ForEachIface(node.key(), func(rec *idbm.NodeRecord) error {
		return visit(fn(rec), idbm.ErrSkip, &last)
	})
	c.metrics.ObserveMatches(op, n)
	if err != nil {
		return fromRecordDB(err)
	}
	if n == 0 {
		return newError(ErrNotFound, "No such node")
	}
	return last
}

// forEachSession is forEachBoundIface over live sessions.
func (c *Context) forEachSession(op string, fn func(*sysfs.SessionInfo) error) error {
	var last error
	n, err := c.sessions.ForEachSession(func(s *sysfs.SessionInfo) error {
		return visit(fn(s), sysfs.ErrSkip, &last)
	})
	c.metrics.ObserveMatches(op, n)
	if err != nil {
		return upstream(err)
	}
	if n == 0 {
		return newError(ErrNotFound, "No matching session")
	}
	return last
}
