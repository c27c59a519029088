package network

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"lanwarp/models"
)

// ManagerOptions configures the remote registry.
type ManagerOptions struct {
	// Remote is the template every managed remote is created with.
	Remote RemoteOptions
	// MaxWorkers bounds background tasks when Remote.Dispatcher is nil.
	MaxWorkers int
	// AutoConnect starts a connect attempt for every new remote.
	AutoConnect bool
}

// Manager tracks remotes by uuid and owns their shared dispatcher.
type Manager struct {
	options       ManagerOptions
	logger        logrus.FieldLogger
	ownDispatcher bool

	mu      sync.RWMutex
	remotes map[string]*Remote
	closed  bool
}

// NewManager validates options and creates an empty registry.
func NewManager(options ManagerOptions) (*Manager, error) {
	if options.Remote.Logger == nil {
		options.Remote.Logger = logrus.StandardLogger()
	}
	ownDispatcher := false
	if options.Remote.Dispatcher == nil {
		options.Remote.Dispatcher = NewDispatcher(options.MaxWorkers, options.Remote.Logger)
		ownDispatcher = true
	}
	if err := options.Remote.validate(); err != nil {
		if ownDispatcher {
			options.Remote.Dispatcher.Close()
		}
		return nil, err
	}

	return &Manager{
		options:       options,
		logger:        options.Remote.Logger,
		ownDispatcher: ownDispatcher,
		remotes:       make(map[string]*Remote),
	}, nil
}

// Upsert creates the remote for seed, or refreshes its addressing.
func (m *Manager) Upsert(seed RemoteSeed) (*Remote, error) {
	if seed.ServiceName == m.options.Remote.Local.UUID {
		return nil, errors.New("refusing to track the local host")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrDispatcherClosed
	}
	if existing, ok := m.remotes[seed.ServiceName]; ok {
		m.mu.Unlock()
		if _, err := existing.updateSeed(seed); err != nil {
			return nil, err
		}
		return existing, nil
	}

	remote, err := NewRemote(seed, m.options.Remote)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.remotes[remote.UUID()] = remote
	m.mu.Unlock()

	m.logger.WithField("uuid", remote.UUID()).Info("remote added")
	remote.notify()
	if m.options.AutoConnect {
		if err := remote.Connect(); err != nil {
			m.logger.WithField("uuid", remote.UUID()).Warnf("auto connect: %v", err)
		}
	}
	return remote, nil
}

// Remove disconnects and forgets the remote.
func (m *Manager) Remove(uuid string) error {
	m.mu.Lock()
	remote, ok := m.remotes[uuid]
	if ok {
		delete(m.remotes, uuid)
	}
	m.mu.Unlock()

	if !ok {
		return ErrRemoteNotFound
	}
	remote.Close()
	m.logger.WithField("uuid", uuid).Info("remote removed")
	return nil
}

// Get returns the remote with uuid.
func (m *Manager) Get(uuid string) (*Remote, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	remote, ok := m.remotes[uuid]
	return remote, ok
}

// List returns remotes ordered by display name, then uuid.
func (m *Manager) List() []*Remote {
	m.mu.RLock()
	out := make([]*Remote, 0, len(m.remotes))
	for _, remote := range m.remotes {
		out = append(out, remote)
	}
	m.mu.RUnlock()

	names := make(map[*Remote]string, len(out))
	for _, remote := range out {
		names[remote] = strings.ToLower(remote.DisplayName())
	}
	sort.Slice(out, func(i, j int) bool {
		if names[out[i]] != names[out[j]] {
			return names[out[i]] < names[out[j]]
		}
		return out[i].UUID() < out[j].UUID()
	})
	return out
}

// DuplexReady reports whether uuid is a remote that has reached us over a channel.
func (m *Manager) DuplexReady(uuid string) bool {
	remote, ok := m.Get(uuid)
	if !ok {
		return false
	}
	switch remote.Status() {
	case models.RemoteAwaitingDuplex, models.RemoteConnected:
		return true
	default:
		return false
	}
}

// Close disconnects every remote and stops background work.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	remotes := make([]*Remote, 0, len(m.remotes))
	for _, remote := range m.remotes {
		remotes = append(remotes, remote)
	}
	m.mu.Unlock()

	for _, remote := range remotes {
		remote.Close()
	}
	if m.ownDispatcher {
		m.options.Remote.Dispatcher.Close()
	}
}
