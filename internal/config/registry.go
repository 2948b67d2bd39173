package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/avatarcast/pkg/provider/avatar"
	"github.com/MrWong99/avatarcast/pkg/provider/translation"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// BearerSource returns the current speech bearer token, or false when none
// has been fetched yet.
type BearerSource func() (string, bool)

// FactoryInput is everything a provider factory may need.
type FactoryInput struct {
	Entry  ProviderEntry
	Speech SpeechConfig

	// Bearer is nil when token auth is disabled.
	Bearer BearerSource
}

// TranslationFactory builds a translation provider.
type TranslationFactory func(FactoryInput) (translation.Provider, error)

// AvatarFactory builds an avatar provider.
type AvatarFactory func(FactoryInput) (avatar.Provider, error)

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	translation map[string]TranslationFactory
	avatar      map[string]AvatarFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		translation: make(map[string]TranslationFactory),
		avatar:      make(map[string]AvatarFactory),
	}
}

// RegisterTranslation registers a translation provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTranslation(name string, factory TranslationFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.translation[name] = factory
}

// RegisterAvatar registers an avatar provider factory under name.
func (r *Registry) RegisterAvatar(name string, factory AvatarFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.avatar[name] = factory
}

// CreateTranslation instantiates the translation provider registered under
// in.Entry.Name. Returns [ErrProviderNotRegistered] for an unknown name.
func (r *Registry) CreateTranslation(in FactoryInput) (translation.Provider, error) {
	r.mu.RLock()
	factory, ok := r.translation[in.Entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: translation/%q", ErrProviderNotRegistered, in.Entry.Name)
	}
	return factory(in)
}

// CreateAvatar instantiates the avatar provider registered under
// in.Entry.Name.
func (r *Registry) CreateAvatar(in FactoryInput) (avatar.Provider, error) {
	r.mu.RLock()
	factory, ok := r.avatar[in.Entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: avatar/%q", ErrProviderNotRegistered, in.Entry.Name)
	}
	return factory(in)
}
