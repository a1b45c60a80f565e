// Package client is the consumer side of the auth API: token custody, a
// refreshing http.RoundTripper and typed API calls.
package client

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// TokenManager keeps the access token in memory and the refresh token in
// durable storage. Access-token changes are delivered synchronously to
// subscribers; an empty string means the token was cleared.
type TokenManager struct {
	mu      sync.Mutex
	access  string
	storage RefreshStorage
	logger  logrus.FieldLogger

	nextID          int
	listeners       []tokenListener
	logoutListeners []logoutListener
}

type tokenListener struct {
	id int
	fn func(token string)
}

type logoutListener struct {
	id int
	fn func()
}

func NewTokenManager(storage RefreshStorage, logger logrus.FieldLogger) *TokenManager {
	if storage == nil {
		storage = NewMemoryStorage()
	}
	return &TokenManager{storage: storage, logger: logger}
}

func (m *TokenManager) SetAccess(token string) {
	m.mu.Lock()
	m.access = token
	m.mu.Unlock()
	m.notify(token)
}

func (m *TokenManager) Access() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.access, m.access != ""
}

func (m *TokenManager) ClearAccess() {
	m.SetAccess("")
}

// SetRefresh persists token. Storage failures are logged, not returned, so a
// read-only disk degrades to a single-process session.
func (m *TokenManager) SetRefresh(token string) {
	if err := m.storage.Save(token); err != nil {
		m.logger.WithError(err).Warn("Failed to store refresh token")
	}
}

func (m *TokenManager) Refresh() (string, bool) {
	token, err := m.storage.Load()
	if err != nil {
		m.logger.WithError(err).Warn("Failed to read refresh token")
		return "", false
	}
	return token, token != ""
}

func (m *TokenManager) ClearRefresh() {
	if err := m.storage.Clear(); err != nil {
		m.logger.WithError(err).Warn("Failed to clear refresh token")
	}
}

func (m *TokenManager) ClearAll() {
	m.ClearAccess()
	m.ClearRefresh()
}

// Subscribe registers fn for access-token changes and returns a function
// that removes it.
func (m *TokenManager) Subscribe(fn func(token string)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, tokenListener{id: id, fn: fn})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, l := range m.listeners {
			if l.id == id {
				m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

// SubscribeLogout registers fn for forced logouts, e.g. when a refresh fails.
func (m *TokenManager) SubscribeLogout(fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.logoutListeners = append(m.logoutListeners, logoutListener{id: id, fn: fn})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, l := range m.logoutListeners {
			if l.id == id {
				m.logoutListeners = append(m.logoutListeners[:i:i], m.logoutListeners[i+1:]...)
				return
			}
		}
	}
}

func (m *TokenManager) BroadcastLogout() {
	m.mu.Lock()
	listeners := make([]logoutListener, len(m.logoutListeners))
	copy(listeners, m.logoutListeners)
	m.mu.Unlock()

	for _, l := range listeners {
		l.fn()
	}
}

// notify runs outside the lock so listeners may read the manager.
func (m *TokenManager) notify(token string) {
	m.mu.Lock()
	listeners := make([]tokenListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, l := range listeners {
		l.fn(token)
	}
}
