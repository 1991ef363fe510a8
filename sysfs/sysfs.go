// Package sysfs enumerates live iSCSI sessions from the kernel's
// iscsi_session and iscsi_connection classes.
package sysfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"k8s.io/klog/v2"
)

// DefaultRoot is the sysfs mount point.
const DefaultRoot = "/sys"

var (
	// ErrSkip is returned by a ForEachSession callback for a session that
	// does not match. Skipped sessions are not counted.
	ErrSkip = errors.New("sysfs: session skipped")

	ErrNoSession = errors.New("sysfs: no such session")
)

// Timeouts are the per-session error handling timeouts.
type Timeouts struct {
	AbortTmo    int
	LUResetTmo  int
	RecoveryTmo int
	TgtResetTmo int
}

// CHAP holds the credentials a session logged in with.
type CHAP struct {
	Username   string
	Password   string
	UsernameIn string
	PasswordIn string
}

// SessionInfo is one live session as exposed by the kernel.
type SessionInfo struct {
	SID               int
	TargetName        string
	TPGT              int
	Address           string
	Port              int
	PersistentAddress string
	PersistentPort    int
	Iface             string
	Tmo               Timeouts
	CHAP              CHAP
}

// Reader reads sessions below <root>/class.
type Reader struct {
	fs   afero.Fs
	root string
}

// New returns a Reader over root.
func New(fs afero.Fs, root string) *Reader {
	return &Reader{fs: fs, root: root}
}

var (
	mu       sync.Mutex
	refs     int
	instance *Reader
)

// Init sets up the process-wide reader. The first call picks fs and root;
// later calls only take a reference and return the same reader.
func Init(fs afero.Fs, root string) *Reader {
	mu.Lock()
	defer mu.Unlock()
	if refs == 0 {
		instance = New(fs, root)
		klog.V(4).Infof("sysfs: initialized at %s", root)
	}
	refs++
	return instance
}

// Cleanup drops a reference taken by Init. The reader is released with the
// last reference.
func Cleanup() {
	mu.Lock()
	defer mu.Unlock()
	if refs == 0 {
		return
	}
	refs--
	if refs == 0 {
		instance = nil
		klog.V(4).Info("sysfs: cleaned up")
	}
}

func (r *Reader) sessionDir(sid int) string {
	return filepath.Join(r.root, "class", "iscsi_session", fmt.Sprintf("session%d", sid))
}

func (r *Reader) attr(dir, name string) string {
	data, err := afero.ReadFile(r.fs, filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (r *Reader) intAttr(dir, name string) int {
	v := r.attr(dir, name)
	if v == "" || v == "(null)" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		klog.V(4).Infof("sysfs: %s/%s: %q is not a number", dir, name, v)
		return 0
	}
	return n
}

// nullable maps the kernel's "(null)" placeholder to "".
func nullable(v string) string {
	if v == "(null)" {
		return ""
	}
	return v
}

// sessionIDs lists the session ids in ascending order.
func (r *Reader) sessionIDs() ([]int, error) {
	entries, err := afero.ReadDir(r.fs, filepath.Join(r.root, "class", "iscsi_session"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []int
	for _, e := range entries {
		sid, err := ParseSessionID(e.Name())
		if err != nil {
			continue
		}
		ids = append(ids, sid)
	}
	sort.Ints(ids)
	return ids, nil
}

// ParseSessionID accepts "session<N>" or "<N>".
func ParseSessionID(id string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(id, "session"))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid session id %q", id)
	}
	return n, nil
}

// Session reads one session.
func (r *Reader) Session(sid int) (*SessionInfo, error) {
	dir := r.sessionDir(sid)
	if ok, _ := afero.DirExists(r.fs, dir); !ok {
		return nil, fmt.Errorf("%w: session%d", ErrNoSession, sid)
	}
	info := &SessionInfo{
		SID:        sid,
		TargetName: r.attr(dir, "targetname"),
		TPGT:       r.intAttr(dir, "tpgt"),
		Iface:      nullable(r.attr(dir, "ifacename")),
		Tmo: Timeouts{
			AbortTmo:    r.intAttr(dir, "abort_tmo"),
			LUResetTmo:  r.intAttr(dir, "lu_reset_tmo"),
			RecoveryTmo: r.intAttr(dir, "recovery_tmo"),
			TgtResetTmo: r.intAttr(dir, "tgt_reset_tmo"),
		},
		CHAP: CHAP{
			Username:   nullable(r.attr(dir, "username")),
			Password:   nullable(r.attr(dir, "password")),
			UsernameIn: nullable(r.attr(dir, "username_in")),
			PasswordIn: nullable(r.attr(dir, "password_in")),
		},
	}
	conn := filepath.Join(r.root, "class", "iscsi_connection", fmt.Sprintf("connection%d:0", sid))
	info.Address = nullable(r.attr(conn, "address"))
	info.Port = r.intAttr(conn, "port")
	info.PersistentAddress = nullable(r.attr(conn, "persistent_address"))
	info.PersistentPort = r.intAttr(conn, "persistent_port")
	return info, nil
}

// SessionByID reads the session named by id ("session3" or "3").
func (r *Reader) SessionByID(id string) (*SessionInfo, error) {
	sid, err := ParseSessionID(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSession, err)
	}
	return r.Session(sid)
}

// ForEachSession calls fn for every session in ascending id order. Sessions
// for which fn returns ErrSkip are not counted; any other error stops the
// walk.
func (r *Reader) ForEachSession(fn func(*SessionInfo) error) (int, error) {
	ids, err := r.sessionIDs()
	if err != nil {
		return 0, err
	}
	found := 0
	for _, sid := range ids {
		info, err := r.Session(sid)
		if err != nil {
			// session went away while walking
			klog.V(4).Infof("sysfs: %v", err)
			continue
		}
		err = fn(info)
		if errors.Is(err, ErrSkip) {
			continue
		}
		found++
		if err != nil {
			return found, err
		}
	}
	return found, nil
}
