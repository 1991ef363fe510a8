package driver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	libiscsi "github.com/scaleoutsean/libiscsi-go"
)

// volumeState is what NodeUnstageVolume needs to undo a stage after a
// plugin restart.
type volumeState struct {
	VolumeID    string      `yaml:"volumeId"`
	StagingPath string      `yaml:"stagingPath"`
	Portal      string      `yaml:"portal"`
	TargetIQN   string      `yaml:"targetIqn"`
	LUN         int         `yaml:"lun"`
	Nodes       []nodeState `yaml:"nodes"`
}

type nodeState struct {
	Name    string `yaml:"name"`
	TPGT    int    `yaml:"tpgt"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	Iface   string `yaml:"iface,omitempty"`
}

func toNodeState(n libiscsi.Node) nodeState {
	return nodeState{Name: n.Name, TPGT: n.TPGT, Address: n.Address, Port: n.Port, Iface: n.Iface}
}

func (n nodeState) node() libiscsi.Node {
	return libiscsi.Node{Name: n.Name, TPGT: n.TPGT, Address: n.Address, Port: n.Port, Iface: n.Iface}
}

type stateStore struct {
	fs  afero.Fs
	dir string
}

func newStateStore(fs afero.Fs, dir string) *stateStore {
	return &stateStore{fs: fs, dir: dir}
}

func (s *stateStore) path(volumeID string) (string, error) {
	if volumeID == "" || volumeID == "." || volumeID == ".." || strings.ContainsAny(volumeID, `/\`) {
		return "", fmt.Errorf("volume id %q cannot be used as a file name", volumeID)
	}
	return filepath.Join(s.dir, volumeID+".yaml"), nil
}

func (s *stateStore) save(st *volumeState) error {
	p, err := s.path(st.VolumeID)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := yaml.Marshal(st)
	if err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o600); err != nil {
		return fmt.Errorf("write volume state: %w", err)
	}
	return s.fs.Rename(tmp, p)
}

// load returns os.ErrNotExist (wrapped) when the volume was never staged.
func (s *stateStore) load(volumeID string) (*volumeState, error) {
	p, err := s.path(volumeID)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, p)
	if err != nil {
		return nil, err
	}
	var st volumeState
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse state of volume %s: %w", volumeID, err)
	}
	return &st, nil
}

func (s *stateStore) remove(volumeID string) error {
	p, err := s.path(volumeID)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// list returns every saved state. Unreadable files are skipped.
func (s *stateStore) list() ([]*volumeState, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []*volumeState
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".yaml" {
			continue
		}
		st, err := s.load(strings.TrimSuffix(name, ".yaml"))
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

// inUse reports whether a volume other than except still depends on n.
func (s *stateStore) inUse(n nodeState, except string) (bool, error) {
	all, err := s.list()
	if err != nil {
		return false, err
	}
	for _, st := range all {
		if st.VolumeID == except {
			continue
		}
		for _, other := range st.Nodes {
			if other == n {
				return true, nil
			}
		}
	}
	return false, nil
}
