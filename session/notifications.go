package session

import (
	"fmt"
	"sync"
)

// NotificationRegistration lets a caller unregister a previously
// registered handler.
type NotificationRegistration struct {
	unreg func() bool
}

// Unregister removes the handler. Safe to call more than once; only
// the first call has any effect.
func (reg NotificationRegistration) Unregister() bool {
	return reg.unreg()
}

// NotificationHandler is implemented by every upward callback type via
// a typ() marker, the way a frame Variant is implemented by a private
// marker method.
type NotificationHandler interface {
	typ() string
}

const onMessageNtfnType = "onMessage"

// OnMessageNtfn fires once per successfully decrypted application
// message, per the upward on_message callback.
type OnMessageNtfn func(peer PeerID, content []byte)

func (OnMessageNtfn) typ() string { return onMessageNtfnType }

const onConnectionStatusNtfnType = "onConnectionStatus"

// ConnectionStatus mirrors the upward on_connection_status values.
type ConnectionStatus int

const (
	Connecting ConnectionStatus = iota
	Connected
	Disconnected
)

func (s ConnectionStatus) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// OnConnectionStatusNtfn fires on every status transition of the
// session as a whole (not per peer).
type OnConnectionStatusNtfn func(status ConnectionStatus)

func (OnConnectionStatusNtfn) typ() string { return onConnectionStatusNtfnType }

const onBackendErrorNtfnType = "onBackendError"

// OnBackendErrorNtfn surfaces a non-fatal internal fault (a discarded
// AuthFault or ReplayFault, a transport hiccup) for the host to log or
// display; it never carries key material.
type OnBackendErrorNtfn func(peer PeerID, msg string)

func (OnBackendErrorNtfn) typ() string { return onBackendErrorNtfnType }

const onPeerDeliveryNtfnType = "onPeerDelivery"

// OnPeerDeliveryNtfn reports whether a previously sent message reached
// a given peer.
type OnPeerDeliveryNtfn func(messageID string, peer PeerID, success bool)

func (OnPeerDeliveryNtfn) typ() string { return onPeerDeliveryNtfnType }

type handler[T any] struct {
	handler T
	async   bool
}

type handlersFor[T any] struct {
	mtx      sync.Mutex
	next     uint
	handlers map[uint]handler[T]
}

func (hn *handlersFor[T]) register(h T, async bool) NotificationRegistration {
	hn.mtx.Lock()
	id := hn.next
	hn.next++
	if hn.handlers == nil {
		hn.handlers = make(map[uint]handler[T])
	}
	hn.handlers[id] = handler[T]{handler: h, async: async}
	hn.mtx.Unlock()

	registered := true
	return NotificationRegistration{
		unreg: func() bool {
			hn.mtx.Lock()
			res := registered
			if registered {
				delete(hn.handlers, id)
				registered = false
			}
			hn.mtx.Unlock()
			return res
		},
	}
}

func (hn *handlersFor[T]) visit(f func(T)) {
	hn.mtx.Lock()
	defer hn.mtx.Unlock()
	for _, h := range hn.handlers {
		if h.async {
			go f(h.handler)
		} else {
			f(h.handler)
		}
	}
}

func (hn *handlersFor[T]) Register(v interface{}, async bool) NotificationRegistration {
	h, ok := v.(T)
	if !ok {
		panic("wrong notification handler type")
	}
	return hn.register(h, async)
}

type handlersRegistry interface {
	Register(v interface{}, async bool) NotificationRegistration
}

// NotificationManager fans out the four upward callbacks (C6's
// on_message/on_connection_status/on_backend_error/on_peer_delivery)
// to any number of registered handlers per type, generalizing a single
// fixed callback slot per event into a registry.
type NotificationManager struct {
	handlers map[string]handlersRegistry
}

// NewNotificationManager builds a manager with every notification type
// this module defines pre-registered.
func NewNotificationManager() *NotificationManager {
	return &NotificationManager{
		handlers: map[string]handlersRegistry{
			onMessageNtfnType:           &handlersFor[OnMessageNtfn]{},
			onConnectionStatusNtfnType:  &handlersFor[OnConnectionStatusNtfn]{},
			onBackendErrorNtfnType:      &handlersFor[OnBackendErrorNtfn]{},
			onPeerDeliveryNtfnType:      &handlersFor[OnPeerDeliveryNtfn]{},
		},
	}
}

func (nmgr *NotificationManager) register(h NotificationHandler, async bool) NotificationRegistration {
	handlers := nmgr.handlers[h.typ()]
	if handlers == nil {
		panic(fmt.Sprintf("forgot to init the handler type %T in NewNotificationManager", h))
	}
	return handlers.Register(h, async)
}

// Register adds an asynchronous handler (invoked in its own goroutine
// per event).
func (nmgr *NotificationManager) Register(h NotificationHandler) NotificationRegistration {
	return nmgr.register(h, true)
}

// RegisterSync adds a synchronous handler (invoked inline, blocking
// the notifier); useful for tests.
func (nmgr *NotificationManager) RegisterSync(h NotificationHandler) NotificationRegistration {
	return nmgr.register(h, false)
}

func (nmgr *NotificationManager) notifyMessage(peer PeerID, content []byte) {
	nmgr.handlers[onMessageNtfnType].(*handlersFor[OnMessageNtfn]).
		visit(func(h OnMessageNtfn) { h(peer, content) })
}

func (nmgr *NotificationManager) notifyConnectionStatus(status ConnectionStatus) {
	nmgr.handlers[onConnectionStatusNtfnType].(*handlersFor[OnConnectionStatusNtfn]).
		visit(func(h OnConnectionStatusNtfn) { h(status) })
}

func (nmgr *NotificationManager) notifyBackendError(peer PeerID, msg string) {
	nmgr.handlers[onBackendErrorNtfnType].(*handlersFor[OnBackendErrorNtfn]).
		visit(func(h OnBackendErrorNtfn) { h(peer, msg) })
}

func (nmgr *NotificationManager) notifyPeerDelivery(messageID string, peer PeerID, success bool) {
	nmgr.handlers[onPeerDeliveryNtfnType].(*handlersFor[OnPeerDeliveryNtfn]).
		visit(func(h OnPeerDeliveryNtfn) { h(messageID, peer, success) })
}
