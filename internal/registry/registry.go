// Package registry keeps track of running engine instances, at most one
// per language. It holds no business logic, lifecycle decisions are made by
// the supervisor.
package registry

import (
	"sort"
	"sync"
	"time"
)

// Handle is the part of a spawned engine the registry keeps.
type Handle interface {
	IsAlive() bool
	Kill() error
	LastLogLine() string
	PID() int
}

// Instance is one registered engine. Instances are replaced, never mutated.
type Instance struct {
	ID       string    `json:"id"`
	Language string    `json:"language"`
	Port     uint16    `json:"port"`
	LogPath  string    `json:"log_path"`
	Started  time.Time `json:"started"`
	Handle   Handle    `json:"-"`
}

// Registry maps languages to instances. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]Instance
}

func New() *Registry {
	return &Registry{
		instances: make(map[string]Instance),
	}
}

func (r *Registry) Get(language string) (Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[language]
	return inst, ok
}

// Put registers inst under its language, replacing any previous entry.
func (r *Registry) Put(inst Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[inst.Language] = inst
}

// Remove deletes the entry of language and returns it.
func (r *Registry) Remove(language string) (Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[language]
	delete(r.instances, language)
	return inst, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// Ports returns ports of all registered instances.
func (r *Registry) Ports() []uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ports := make([]uint16, 0, len(r.instances))
	for _, inst := range r.instances {
		ports = append(ports, inst.Port)
	}
	return ports
}

// List returns a snapshot of all instances sorted by language.
func (r *Registry) List() []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		infos = append(infos, inst)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Language < infos[j].Language
	})
	return infos
}
