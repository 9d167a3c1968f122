package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/chozzz/vargos-sub004/pkg/protocol"
)

// serviceEntry is one registered service and its declared surface.
type serviceEntry struct {
	name          string
	version       string
	methods       map[string]bool
	events        map[string]bool
	subscriptions map[string]bool
	conn          *Conn
	registeredAt  time.Time
}

// ServiceInfo is the registry's public view of one service, reported
// by the status method.
type ServiceInfo struct {
	Service      string    `json:"service"`
	Version      string    `json:"version"`
	Methods      []string  `json:"methods,omitempty"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Registry tracks the currently connected services by name. It is
// read-mostly; one mutex guards the map. Deregistration runs cleanup
// hooks so the dispatcher can fail in-flight calls to the lost service.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*serviceEntry
	hooks    []func(service string)
}

func NewRegistry() *Registry {
	return &Registry{services: make(map[string]*serviceEntry)}
}

// OnDeregister adds a cleanup hook invoked with the service name after
// every deregistration. Hooks run outside the registry lock.
func (r *Registry) OnDeregister(hook func(service string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Register claims a service name for a connection. A taken name fails
// with ALREADY_REGISTERED; the caller validates the registration shape
// beforehand.
func (r *Registry) Register(reg *protocol.ServiceRegistration, conn *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.services[reg.Service]; taken {
		return protocol.Errorf(protocol.CodeAlreadyRegistered, "service %q is already registered", reg.Service)
	}

	entry := &serviceEntry{
		name:          reg.Service,
		version:       reg.Version,
		methods:       make(map[string]bool, len(reg.Methods)),
		events:        make(map[string]bool, len(reg.Events)),
		subscriptions: make(map[string]bool, len(reg.Subscriptions)),
		conn:          conn,
		registeredAt:  time.Now(),
	}
	for _, m := range reg.Methods {
		entry.methods[m] = true
	}
	for _, e := range reg.Events {
		entry.events[e] = true
	}
	for _, s := range reg.Subscriptions {
		entry.subscriptions[s] = true
	}
	r.services[reg.Service] = entry
	return nil
}

// DeregisterConn removes whatever service the connection had
// registered and runs the cleanup hooks. It reports the service name,
// or ok=false when the connection never registered.
func (r *Registry) DeregisterConn(conn *Conn) (string, bool) {
	r.mu.Lock()
	var name string
	found := false
	for n, entry := range r.services {
		if entry.conn == conn {
			name = n
			found = true
			delete(r.services, n)
			break
		}
	}
	hooks := r.hooks
	r.mu.Unlock()

	if !found {
		return "", false
	}
	for _, hook := range hooks {
		hook(name)
	}
	return name, true
}

// Route resolves the connection serving (service, method). An unknown
// service or an undeclared method fails with SERVICE_UNAVAILABLE.
func (r *Registry) Route(service, method string) (*Conn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.services[service]
	if !ok {
		return nil, protocol.Errorf(protocol.CodeServiceUnavailable, "service %q is not registered", service)
	}
	if !entry.methods[method] {
		return nil, protocol.Errorf(protocol.CodeServiceUnavailable, "service %q does not handle %q", service, method)
	}
	return entry.conn, nil
}

// Publishes reports whether the service declared the event at
// registration time. Undeclared events are dropped by the server.
func (r *Registry) Publishes(service, event string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.services[service]
	return ok && entry.events[event]
}

// Subscribers returns the connections whose registration listed the
// topic.
func (r *Registry) Subscribers(topic string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conns []*Conn
	for _, entry := range r.services {
		if entry.subscriptions[topic] {
			conns = append(conns, entry.conn)
		}
	}
	return conns
}

// List returns registered services sorted by name.
func (r *Registry) List() []ServiceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ServiceInfo, 0, len(r.services))
	for _, entry := range r.services {
		methods := make([]string, 0, len(entry.methods))
		for m := range entry.methods {
			methods = append(methods, m)
		}
		sort.Strings(methods)
		infos = append(infos, ServiceInfo{
			Service:      entry.name,
			Version:      entry.version,
			Methods:      methods,
			RegisteredAt: entry.registeredAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Service < infos[j].Service })
	return infos
}
