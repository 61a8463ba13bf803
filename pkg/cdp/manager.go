/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package cdp

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"

	"github.com/go-logr/logr"
)

// Manager keeps one session per target of a browser.
// Sessions are created on first request and connect lazily.
type Manager struct {
	host            string
	pageURLTemplate string
	discoverer      Discoverer
	dialer          Dialer
	sessionConfig   SessionConfig
	log             logr.Logger

	// lock protects sessions
	lock     sync.Mutex
	sessions map[string]*Session
}

func NewManager(config ManagerConfig) *Manager {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	host := config.Host
	if host == "" {
		host = DefaultHost
	}

	pageURLTemplate := config.PageURLTemplate
	if pageURLTemplate == "" {
		pageURLTemplate = DefaultPageURLTemplate
	}

	sessionConfig := config.Session.withDefaults()

	discoverer := config.Discoverer
	if discoverer == nil {
		discoverer = NewHTTPDiscoverer(host, nil, log.WithName("discovery"))
	}

	dialer := config.Dialer
	if dialer == nil {
		dialer = NewWebSocketDialer(sessionConfig.Transport, log.WithName("transport"))
	}

	return &Manager{
		host:            host,
		pageURLTemplate: pageURLTemplate,
		discoverer:      discoverer,
		dialer:          dialer,
		sessionConfig:   sessionConfig,
		log:             log,
		sessions:        make(map[string]*Session),
	}
}

func (m *Manager) Host() string {
	return m.host
}

func (m *Manager) String() string {
	return fmt.Sprintf("Manager(host=%s)", m.host)
}

// GetSession returns the session for the target, creating it if needed.
// An empty target id means the browser target.
func (m *Manager) GetSession(targetID string) *Session {
	if targetID == "" {
		targetID = BrowserTarget
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	if session, found := m.sessions[targetID]; found {
		return session
	}

	session := NewSession(targetID, m.resolverFor(targetID), m.dialer, m.sessionConfig, m.log.WithName("session"))
	m.sessions[targetID] = session
	m.log.V(1).Info("Session created", "target", targetID)
	return session
}

// RemoveSession closes and forgets the session for the target. It is a no-op if there is no such session.
// The removed session is disposed; later calls to GetSession return a new session.
func (m *Manager) RemoveSession(targetID string) error {
	if targetID == "" {
		targetID = BrowserTarget
	}

	m.lock.Lock()
	session, found := m.sessions[targetID]
	delete(m.sessions, targetID)
	m.lock.Unlock()

	if !found {
		return nil
	}

	m.log.V(1).Info("Removing session", "target", targetID)
	if err := session.dispose(); err != nil {
		return fmt.Errorf("failed to close session for target %s: %w", targetID, err)
	}
	return nil
}

// Targets returns the identifiers of all registered sessions, sorted.
func (m *Manager) Targets() []string {
	m.lock.Lock()
	defer m.lock.Unlock()

	targets := make([]string, 0, len(m.sessions))
	for targetID := range m.sessions {
		targets = append(targets, targetID)
	}
	slices.Sort(targets)
	return targets
}

// Close removes all sessions.
func (m *Manager) Close() error {
	m.lock.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.lock.Unlock()

	var errs []error
	for targetID, session := range sessions {
		if err := session.dispose(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close session for target %s: %w", targetID, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) resolverFor(targetID string) EndpointResolver {
	if targetID == BrowserTarget {
		return m.discoverer.BrowserWebSocketURL
	}

	return StaticEndpoint(fmt.Sprintf(m.pageURLTemplate, m.host, url.PathEscape(targetID)))
}
