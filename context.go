// Package libiscsi administers the iSCSI initiator: send-targets and
// firmware discovery, node records and their parameters, and session
// login and logout.
//
// Nodes are addressed by {name, tpgt, address, port}. The same identity may
// be bound to several local interfaces; operations fan out to every bound
// record and fail with ErrNotFound when nothing matches.
package libiscsi

import (
	"errors"
	"io"

	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"

	"github.com/scaleoutsean/libiscsi-go/fwcontext"
	"github.com/scaleoutsean/libiscsi-go/idbm"
	"github.com/scaleoutsean/libiscsi-go/iscsid"
	"github.com/scaleoutsean/libiscsi-go/metrics"
	"github.com/scaleoutsean/libiscsi-go/sysfs"
)

var _ LoginAgent = (*iscsid.Agent)(nil)

// Context is the handle every operation runs on. It keeps the message of
// the last failure. A Context must not be used by several goroutines at
// once; separate Contexts are independent.
type Context struct {
	db       RecordDB
	agent    LoginAgent
	sessions SessionSource
	firmware FirmwareSource
	metrics  *metrics.Metrics

	fs           afero.Fs
	recordRoot   string
	sysfsRoot    string
	firmwareRoot string
	sysfsRef     bool
	maxSessions  int

	errStr string
}

// Option configures a Context.
type Option func(*Context) error

// WithFs sets the filesystem the default collaborators read and write.
func WithFs(fs afero.Fs) Option {
	return func(c *Context) error {
		if fs == nil {
			return newError(ErrInvalidArgument, "nil filesystem")
		}
		c.fs = fs
		return nil
	}
}

func rootOption(what string, dst func(*Context) *string, root string) Option {
	return func(c *Context) error {
		if root == "" {
			return newError(ErrInvalidArgument, "empty %s root", what)
		}
		*dst(c) = root
		return nil
	}
}

// WithRecordRoot moves the default record database.
func WithRecordRoot(root string) Option {
	return rootOption("record", func(c *Context) *string { return &c.recordRoot }, root)
}

// WithSysfsRoot moves the default session source.
func WithSysfsRoot(root string) Option {
	return rootOption("sysfs", func(c *Context) *string { return &c.sysfsRoot }, root)
}

// WithFirmwareRoot moves the default firmware source.
func WithFirmwareRoot(root string) Option {
	return rootOption("firmware", func(c *Context) *string { return &c.firmwareRoot }, root)
}

// WithRecordDB replaces the record database rooted at WithRecordRoot.
// A nil db is rejected; leave the option out to keep the default.
func WithRecordDB(db RecordDB) Option {
	return func(c *Context) error {
		if db == nil {
			return newError(ErrInvalidArgument, "nil record database")
		}
		c.db = db
		return nil
	}
}

// WithLoginAgent replaces the iscsiadm-backed agent that performs logins,
// logouts and send-targets queries. A nil agent is rejected.
func WithLoginAgent(agent LoginAgent) Option {
	return func(c *Context) error {
		if agent == nil {
			return newError(ErrInvalidArgument, "nil login agent")
		}
		c.agent = agent
		return nil
	}
}

// WithSessionSource replaces the sysfs reader rooted at WithSysfsRoot.
// A nil src is rejected.
func WithSessionSource(src SessionSource) Option {
	return func(c *Context) error {
		if src == nil {
			return newError(ErrInvalidArgument, "nil session source")
		}
		c.sessions = src
		return nil
	}
}

// WithFirmwareSource replaces the iBFT reader rooted at WithFirmwareRoot.
// A nil src is rejected.
func WithFirmwareSource(src FirmwareSource) Option {
	return func(c *Context) error {
		if src == nil {
			return newError(ErrInvalidArgument, "nil firmware source")
		}
		c.firmware = src
		return nil
	}
}

// WithMetrics records operation outcomes in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Context) error {
		c.metrics = m
		return nil
	}
}

// Init creates a Context. Collaborators not given as options are the Linux
// defaults: records under /etc/iscsi, sessions from /sys, boot contexts from
// the iBFT and iscsiadm for login, logout and send-targets queries.
//
// The default session source is process wide and reference counted; its
// filesystem and root are fixed by the first Context that takes it.
func Init(opts ...Option) (*Context, error) {
	c := &Context{
		fs:           afero.NewOsFs(),
		recordRoot:   idbm.DefaultRoot,
		sysfsRoot:    sysfs.DefaultRoot,
		firmwareRoot: fwcontext.DefaultRoot,
		maxSessions:  maxSessionInfos,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.agent == nil {
		c.agent = iscsid.NewLinux()
	}
	if c.db == nil {
		var d idbm.Discoverer
		if disc, ok := c.agent.(idbm.Discoverer); ok {
			d = disc
		}
		c.db = idbm.New(c.fs, c.recordRoot, d)
	}
	if c.sessions == nil {
		c.sessions = sysfs.Init(c.fs, c.sysfsRoot)
		c.sysfsRef = true
	}
	if c.firmware == nil {
		c.firmware = fwcontext.New(c.fs, c.firmwareRoot, fwcontext.NetlinkResolver{})
	}
	klog.V(4).Infof("libiscsi: context ready (records %s)", c.recordRoot)
	return c, nil
}

// Close releases the collaborators. Those implementing io.Closer are closed
// and their errors combined.
func (c *Context) Close() error {
	var err error
	for _, v := range []interface{}{c.agent, c.db, c.sessions, c.firmware} {
		if cl, ok := v.(io.Closer); ok {
			err = multierr.Append(err, cl.Close())
		}
	}
	if c.sysfsRef {
		sysfs.Cleanup()
		c.sysfsRef = false
	}
	return err
}

// ErrorString returns the message of the last failed operation.
func (c *Context) ErrorString() string {
	if c.errStr == "" {
		return "Unknown error"
	}
	return c.errStr
}

// begin clears the error buffer at the start of an operation.
func (c *Context) begin() {
	c.errStr = ""
}

// finish records the outcome of operation op.
func (c *Context) finish(op string, err error) error {
	if err == nil {
		c.metrics.Observe(op, metrics.ResultSuccess)
		return nil
	}
	c.errStr = err.Error()
	klog.V(2).Infof("libiscsi: %s: %s", op, c.errStr)
	if errors.Is(err, ErrNotFound) {
		c.metrics.Observe(op, metrics.ResultNotFound)
	} else {
		c.metrics.Observe(op, metrics.ResultError)
	}
	return err
}
