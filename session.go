package libiscsi

import (
	"errors"

	"github.com/scaleoutsean/libiscsi-go/sysfs"
)

// sessionArray collects sessions, growing its backing array to 4 and then
// doubling.
type sessionArray struct {
	data  []SessionInfo
	limit int
}

func (a *sessionArray) growOnDemand() error {
	if len(a.data) < cap(a.data) {
		return nil
	}
	size := 4
	if cap(a.data) > 0 {
		size = 2 * cap(a.data)
	}
	if size > a.limit {
		return newError(ErrOutOfMemory, "Can't allocate memory for session infos")
	}
	grown := make([]SessionInfo, len(a.data), size)
	copy(grown, a.data)
	a.data = grown
	return nil
}

func (a *sessionArray) add(s *sysfs.SessionInfo) error {
	if err := a.growOnDemand(); err != nil {
		return err
	}
	a.data = append(a.data, sessionFromSysfs(s))
	return nil
}

// trim hands out the sessions with no spare capacity.
func (a *sessionArray) trim() []SessionInfo {
	out := make([]SessionInfo, len(a.data))
	copy(out, a.data)
	a.data = nil
	return out
}

// GetSessionInfos lists the live sessions in the order the session source
// reports them. No sessions is ErrNotFound.
func (c *Context) GetSessionInfos() ([]SessionInfo, error) {
	c.begin()
	infos, err := c.getSessionInfos()
	if err = c.finish("get_session_infos", err); err != nil {
		return nil, err
	}
	c.metrics.SetSessions(len(infos))
	return infos, nil
}

func (c *Context) getSessionInfos() ([]SessionInfo, error) {
	arr := &sessionArray{limit: c.maxSessions}
	n, err := c.sessions.ForEachSession(arr.add)
	if errors.Is(err, ErrOutOfMemory) {
		return nil, err
	}
	if err != nil || n == 0 {
		return nil, &Error{Kind: ErrNotFound, Msg: "No matching session", Err: err}
	}
	return arr.trim(), nil
}

// GetSessionInfoByID reads one session. id is "session<N>" or "<N>".
func (c *Context) GetSessionInfoByID(id string) (*SessionInfo, error) {
	c.begin()
	var info *SessionInfo
	s, err := c.sessions.SessionByID(id)
	if err != nil {
		err = &Error{Kind: ErrNotFound, Msg: "No matching session", Err: err}
	} else {
		v := sessionFromSysfs(s)
		info = &v
	}
	if err = c.finish("get_session_info", err); err != nil {
		return nil, err
	}
	return info, nil
}
