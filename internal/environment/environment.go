// Package environment manages the lifecycle of provisioned project
// environments: sandbox plus fetched sources plus runtime binaries plus
// installed dependencies.
package environment

import (
	"errors"
	"sync"
	"time"

	"github.com/jkaninda/jaribu/internal/runtimes"
	"github.com/jkaninda/jaribu/internal/sandbox"
)

var (
	// ErrNotFound indicates an unknown environment ID.
	ErrNotFound = errors.New("environment not found")

	// ErrInstallFailed indicates the dependency install command exited
	// nonzero.
	ErrInstallFailed = errors.New("dependency installation failed")
)

// Environment is one provisioned project environment.
type Environment struct {
	ID        string
	Source    string
	Branch    string
	Runtime   runtimes.Config
	Sandbox   *sandbox.Sandbox
	CreatedAt time.Time
}

// Event is a lifecycle notification emitted during provisioning and
// teardown.
type Event struct {
	Type          string    `json:"type"`
	EnvironmentID string    `json:"environment_id,omitempty"`
	Runtime       string    `json:"runtime,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	Time          time.Time `json:"time"`
}

// EventFunc receives lifecycle events. May be nil.
type EventFunc func(Event)

// Store is an explicit registry of live environments. Injected into every
// consumer rather than held as package state.
type Store struct {
	mu   sync.RWMutex
	envs map[string]*Environment
}

// NewStore creates an empty environment store.
func NewStore() *Store {
	return &Store{envs: make(map[string]*Environment)}
}

// Add registers an environment.
func (s *Store) Add(env *Environment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs[env.ID] = env
}

// Get returns the environment with the given ID.
func (s *Store) Get(id string) (*Environment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	env, ok := s.envs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return env, nil
}

// Remove drops an environment from the store. Missing IDs are a no-op.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.envs, id)
}

// List returns a snapshot of all live environments.
func (s *Store) List() []*Environment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Environment, 0, len(s.envs))
	for _, env := range s.envs {
		out = append(out, env)
	}
	return out
}

// Len returns the number of live environments.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.envs)
}
