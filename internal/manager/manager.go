// Package manager owns the per-process set of camera sessions: one
// hal.Session per physical camera, the shared client registry, and the
// persisted per-camera metadata that decides which cameras clients may
// open.
package manager

import (
	"crypto/md5"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"camshare/internal/hal"
	"camshare/internal/registry"
	"camshare/internal/virtual"
)

const metaSuffix = ".cam"

type Manager struct {
	mu             sync.Mutex
	databaseFolder string
	registry       *registry.Registry
	sessions       map[string]*hal.Session

	eventSubscribers map[string]func(event *Event)
	active           map[string]*Meta
}

// New creates a manager persisting camera metadata under databaseFolder.
func New(databaseFolder string) *Manager {
	return &Manager{
		databaseFolder:   databaseFolder,
		registry:         registry.New(),
		sessions:         make(map[string]*hal.Session),
		eventSubscribers: make(map[string]func(*Event)),
		active:           make(map[string]*Meta),
	}
}

// AddCamera creates the session owning the given hardware driver.
// Cameras are openable unless persisted metadata disables them.
func (m *Manager) AddCamera(id string, driver hal.Driver, cfg hal.Config) (*hal.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; ok {
		return nil, fmt.Errorf("camera %s is already managed", id)
	}
	session := hal.New(id, driver, cfg)
	m.sessions[id] = session

	if meta, err := m.readMeta(id); err == nil && meta.Enabled {
		m.active[id] = meta
	}
	log.Infof("camera %s registered with the manager", id)
	return session, nil
}

// Session returns the session for a camera id.
func (m *Manager) Session(id string) (*hal.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	return session, ok
}

// Cameras lists the managed camera ids in stable order.
func (m *Manager) Cameras() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Open creates a virtual camera on the named session. Cameras disabled
// by their metadata cannot be opened.
func (m *Manager) Open(cameraID string, spec virtual.Spec) (*virtual.Camera, error) {
	m.mu.Lock()
	session, ok := m.sessions[cameraID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("unknown camera %s", cameraID)
	}
	meta, err := m.readMeta(cameraID)
	m.mu.Unlock()

	if err == nil && !meta.Enabled {
		return nil, fmt.Errorf("camera %s is disabled", cameraID)
	}
	return virtual.New(session, m.registry, spec)
}

// Registry exposes the shared client registry.
func (m *Manager) Registry() *registry.Registry {
	return m.registry
}

// Subscribe registers a camera start/stop listener and immediately
// replays a start event for every enabled camera. The returned function
// cancels the subscription.
func (m *Manager) Subscribe(f func(*Event)) func() {
	id := uuid.NewString()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventSubscribers[id] = f

	metas, _ := m.camerasMeta()
	for _, meta := range metas {
		if meta.Enabled {
			f(&Event{Type: EventTypeStartCamera, Meta: meta})
		}
	}
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.eventSubscribers, id)
	}
}

// GetCameraMeta loads the persisted metadata for a camera.
func (m *Manager) GetCameraMeta(id string) (*Meta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readMeta(id)
}

// UpdateCameraMeta persists metadata and announces enable/disable flips
// to subscribers.
func (m *Manager) UpdateCameraMeta(meta *Meta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(path.Join(m.databaseFolder, metaFilename(meta.Id)), os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0744)
	if err != nil {
		return fmt.Errorf("failed to open database file for writing: %w", err)
	}
	err = gob.NewEncoder(file).Encode(meta)
	_ = file.Close()
	if err != nil {
		return fmt.Errorf("failed to write camera meta to file: %w", err)
	}

	_, active := m.active[meta.Id]
	switch {
	case meta.Enabled && !active:
		m.active[meta.Id] = meta
		for _, h := range m.eventSubscribers {
			h(&Event{Type: EventTypeStartCamera, Meta: meta})
		}
	case !meta.Enabled && active:
		delete(m.active, meta.Id)
		for _, h := range m.eventSubscribers {
			h(&Event{Type: EventTypeStopCamera, Meta: meta})
		}
	}
	return nil
}

// Dump writes the diagnostics of every session, in camera order.
func (m *Manager) Dump(w io.Writer) {
	for _, id := range m.Cameras() {
		session, ok := m.Session(id)
		if !ok {
			continue
		}
		session.Dump(w)
	}
}

func (m *Manager) readMeta(id string) (*Meta, error) {
	file, err := os.Open(path.Join(m.databaseFolder, metaFilename(id)))
	if err != nil {
		return nil, fmt.Errorf("failed to open camera file %s: %w", id, err)
	}
	var meta Meta
	err = gob.NewDecoder(file).Decode(&meta)
	_ = file.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to decode database result: %w", err)
	}
	return &meta, nil
}

func (m *Manager) camerasMeta() ([]*Meta, error) {
	dir, err := os.ReadDir(m.databaseFolder)
	if err != nil {
		return nil, fmt.Errorf("failed to list database directory content: %w", err)
	}

	var metas []*Meta
	for _, entry := range dir {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metaSuffix) {
			continue
		}
		file, err := os.Open(path.Join(m.databaseFolder, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read entry %s: %w", entry.Name(), err)
		}
		var meta Meta
		err = gob.NewDecoder(file).Decode(&meta)
		_ = file.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal database entry %s: %w", entry.Name(), err)
		}
		metas = append(metas, &meta)
	}
	return metas, nil
}

func metaFilename(id string) string {
	hash := md5.New()
	hash.Write([]byte(id))
	return hex.EncodeToString(hash.Sum(nil)) + metaSuffix
}
