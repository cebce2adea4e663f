package session

import (
	"boilerbridge/internal/webboiler"
)

// UpdateHandler receives a parameter after a pushed value change.
type UpdateHandler func(dev *webboiler.Device, param *webboiler.Parameter)

// ConnectivityHandler receives session connectivity edges.
type ConnectivityHandler func(online bool)

// Subscription is an active registration that can be released.
type Subscription interface {
	Unsubscribe() error
}

type paramKey struct {
	serial string
	name   string
}

// subscriberMap maps a parameter to its handlers by subscriber ID.
// Registering twice under the same ID replaces the handler instead of
// doubling deliveries.
type subscriberMap map[paramKey]map[string]UpdateHandler

// Subscribe registers fn for updates of one device parameter. The id
// identifies the subscriber, typically the entity's unique ID.
func (m *Manager) Subscribe(serial, name, id string, fn UpdateHandler) Subscription {
	key := paramKey{serial: serial, name: name}

	m.subsMu.Lock()
	handlers, ok := m.subs[key]
	if !ok {
		handlers = make(map[string]UpdateHandler)
		m.subs[key] = handlers
	}
	handlers[id] = fn
	m.subsMu.Unlock()

	return &paramSubscription{manager: m, key: key, id: id}
}

// SubscribeConnectivity registers fn for session up/down transitions.
func (m *Manager) SubscribeConnectivity(id string, fn ConnectivityHandler) Subscription {
	m.subsMu.Lock()
	m.connSubs[id] = fn
	m.subsMu.Unlock()

	return &connectivitySubscription{manager: m, id: id}
}

type paramSubscription struct {
	manager *Manager
	key     paramKey
	id      string
}

func (s *paramSubscription) Unsubscribe() error {
	s.manager.subsMu.Lock()
	defer s.manager.subsMu.Unlock()

	handlers, ok := s.manager.subs[s.key]
	if !ok {
		return nil
	}
	delete(handlers, s.id)
	if len(handlers) == 0 {
		delete(s.manager.subs, s.key)
	}
	return nil
}

type connectivitySubscription struct {
	manager *Manager
	id      string
}

func (s *connectivitySubscription) Unsubscribe() error {
	s.manager.subsMu.Lock()
	defer s.manager.subsMu.Unlock()

	delete(s.manager.connSubs, s.id)
	return nil
}

// handleParameterUpdate is the single callback registered with the cloud
// client. It fans each update out to the parameter's subscribers and records
// the reading. Handlers run on the websocket read goroutine; iteration works
// on a snapshot so a handler may unsubscribe itself mid-delivery.
func (m *Manager) handleParameterUpdate(dev *webboiler.Device, param *webboiler.Parameter) {
	key := paramKey{serial: dev.Serial, name: param.Name}

	m.subsMu.RLock()
	handlers := make([]UpdateHandler, 0, len(m.subs[key]))
	for _, fn := range m.subs[key] {
		handlers = append(handlers, fn)
	}
	m.subsMu.RUnlock()

	for _, fn := range handlers {
		fn(dev, param)
	}

	if m.recorder != nil {
		m.recorder.RecordReading(dev.Serial, param.Name, param.Value(), param.UpdatedAt())
	}
}

// setConnected flips the connectivity flag and, on an actual edge, notifies
// connectivity subscribers.
func (m *Manager) setConnected(online bool) {
	m.mu.Lock()
	if m.connected == online {
		m.mu.Unlock()
		return
	}
	m.connected = online
	m.mu.Unlock()

	m.subsMu.RLock()
	handlers := make([]ConnectivityHandler, 0, len(m.connSubs))
	for _, fn := range m.connSubs {
		handlers = append(handlers, fn)
	}
	m.subsMu.RUnlock()

	for _, fn := range handlers {
		fn(online)
	}
}
