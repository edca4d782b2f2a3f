// Package metadata persists storage pool definitions on disk.
//
// Persistent pools have an XML config file in the config directory, named
// after the pool. Autostart is a symlink to that file in the autostart
// directory. Active pools also have their running definition written to the
// state directory, so a restarted daemon can tell which pools were running.
//
// Layout:
//
//	{base}/storage/{name}.xml            config
//	{base}/storage/autostart/{name}.xml  autostart symlink
//	{state}/{name}.xml                   running definition
package metadata

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/google/renameio"

	"github.com/jbweber/poold/internal/naming"
	"github.com/jbweber/poold/internal/pooldef"
	"github.com/jbweber/poold/internal/storage"
)

const (
	configMode = 0o600
	dirMode    = 0o755
)

// DirStore keeps pool definitions in plain directories. It implements
// storage.DefStore.
type DirStore struct {
	log          logr.Logger
	configDir    string
	autostartDir string
	stateDir     string
}

var _ storage.DefStore = (*DirStore)(nil)

// Option configures a DirStore.
type Option func(*DirStore)

// WithLogger sets the logger used to report skipped files.
func WithLogger(log logr.Logger) Option {
	return func(s *DirStore) { s.log = log }
}

// New returns a store using the config directories below baseDir and the
// state directory stateDir.
func New(baseDir, stateDir string, opts ...Option) *DirStore {
	s := &DirStore{
		log:          logr.Discard(),
		configDir:    naming.ConfigDir(baseDir),
		autostartDir: naming.AutostartDir(baseDir),
		stateDir:     stateDir,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureDirs creates the config, autostart and state directories.
func (s *DirStore) EnsureDirs() error {
	for _, dir := range []string{s.configDir, s.autostartDir, s.stateDir} {
		if err := os.MkdirAll(dir, dirMode); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// LoadConfigs reads every pool config. Files that fail to parse, or whose
// name does not match the pool they define, are logged and skipped.
func (s *DirStore) LoadConfigs() ([]storage.PersistedPool, error) {
	defs, err := s.loadDir(s.configDir)
	if err != nil {
		return nil, err
	}

	out := make([]storage.PersistedPool, 0, len(defs))
	for _, l := range defs {
		link := naming.AutostartLink(s.autostartDir, l.def.Name)
		out = append(out, storage.PersistedPool{
			Def:           l.def,
			ConfigFile:    l.path,
			AutostartLink: link,
			Autostart:     s.linkPointsTo(link, l.path),
		})
	}
	return out, nil
}

// SaveConfig writes def's config file atomically. Live sizes are not
// persisted.
func (s *DirStore) SaveConfig(def *pooldef.PoolDef) (string, string, error) {
	cfg := def.Clone()
	cfg.Capacity, cfg.Allocation, cfg.Available = 0, 0, 0

	configFile := naming.ConfigFile(s.configDir, def.Name)
	if err := writeDef(configFile, cfg); err != nil {
		return "", "", err
	}
	return configFile, naming.AutostartLink(s.autostartDir, def.Name), nil
}

// DeleteConfig removes a config file and its autostart link. Either may
// already be gone.
func (s *DirStore) DeleteConfig(configFile, autostartLink string) error {
	if err := removeIfExists(autostartLink); err != nil {
		return fmt.Errorf("failed to remove autostart link: %w", err)
	}
	if err := removeIfExists(configFile); err != nil {
		return fmt.Errorf("failed to remove config file: %w", err)
	}
	return nil
}

// SetAutostart creates or removes the autostart link of a config file.
func (s *DirStore) SetAutostart(configFile, autostartLink string, autostart bool) error {
	if !autostart {
		if err := removeIfExists(autostartLink); err != nil {
			return fmt.Errorf("failed to remove autostart link: %w", err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(autostartLink), dirMode); err != nil {
		return fmt.Errorf("failed to create autostart directory: %w", err)
	}
	if s.linkPointsTo(autostartLink, configFile) {
		return nil
	}
	if err := removeIfExists(autostartLink); err != nil {
		return fmt.Errorf("failed to replace autostart link: %w", err)
	}
	if err := os.Symlink(configFile, autostartLink); err != nil {
		return fmt.Errorf("failed to create autostart link: %w", err)
	}
	return nil
}

// LoadStates reads the running definitions of pools that were active.
func (s *DirStore) LoadStates() ([]*pooldef.PoolDef, error) {
	defs, err := s.loadDir(s.stateDir)
	if err != nil {
		return nil, err
	}
	out := make([]*pooldef.PoolDef, 0, len(defs))
	for _, l := range defs {
		out = append(out, l.def)
	}
	return out, nil
}

// SaveState records def as running.
func (s *DirStore) SaveState(def *pooldef.PoolDef) error {
	return writeDef(naming.ConfigFile(s.stateDir, def.Name), def)
}

// DeleteState forgets that the named pool was running.
func (s *DirStore) DeleteState(name string) error {
	if err := removeIfExists(naming.ConfigFile(s.stateDir, name)); err != nil {
		return fmt.Errorf("failed to remove state file: %w", err)
	}
	return nil
}

type loaded struct {
	path string
	def  *pooldef.PoolDef
}

// loadDir parses every pool file in dir. A missing directory holds nothing.
func (s *DirStore) loadDir(dir string) ([]loaded, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	var out []loaded
	for _, e := range entries {
		name, ok := naming.PoolNameFromConfig(e.Name())
		if !ok || !e.Type().IsRegular() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		def, err := readDef(path)
		if err != nil {
			s.log.Error(err, "skipping pool file", "file", path)
			continue
		}
		if def.Name != name {
			s.log.Error(fmt.Errorf("pool %q defined in %s", def.Name, e.Name()), "skipping pool file", "file", path)
			continue
		}
		out = append(out, loaded{path: path, def: def})
	}
	return out, nil
}

func (s *DirStore) linkPointsTo(link, target string) bool {
	dest, err := os.Readlink(link)
	if err != nil {
		return false
	}
	if !filepath.IsAbs(dest) {
		dest = filepath.Join(filepath.Dir(link), dest)
	}
	return filepath.Clean(dest) == filepath.Clean(target)
}

func readDef(path string) (*pooldef.PoolDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pool file: %w", err)
	}
	return pooldef.ParsePoolXML(string(data))
}

func writeDef(path string, def *pooldef.PoolDef) error {
	doc, err := pooldef.FormatPoolXML(def)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := renameio.WriteFile(path, []byte(doc+"\n"), configMode); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func removeIfExists(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
