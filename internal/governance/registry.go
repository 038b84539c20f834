package governance

import (
	"fmt"
	"strings"
)

// IdentityRegistry is the canonical store of participants. It applies no
// policy; callers (the coordinator or an authority holder) are trusted.
type IdentityRegistry struct {
	identities map[string]Identity
	caps       *Capabilities
}

// NewIdentityRegistry creates an empty registry backed by caps.
func NewIdentityRegistry(caps *Capabilities) *IdentityRegistry {
	if caps == nil {
		caps = NewCapabilities()
	}
	return &IdentityRegistry{identities: make(map[string]Identity), caps: caps}
}

func (r *IdentityRegistry) CreateIdentity(id string, level Level, name, profileRef string) error {
	ident, err := r.planCreate(id, level, name, profileRef)
	if err != nil {
		return err
	}
	r.put(ident)
	return nil
}

// GetIdentity never fails; absent ids come back with Exists=false.
func (r *IdentityRegistry) GetIdentity(id string) Identity {
	ident, ok := r.identities[id]
	if !ok {
		return Identity{ID: id}
	}
	return ident
}

func (r *IdentityRegistry) UpdateLevel(id string, level Level) error {
	ident, err := r.planUpdateLevel(id, level)
	if err != nil {
		return err
	}
	r.put(ident)
	return nil
}

func (r *IdentityRegistry) RemoveIdentity(id string) error {
	ident, err := r.planRemove(id)
	if err != nil {
		return err
	}
	r.put(ident)
	return nil
}

func (r *IdentityRegistry) HasAuthorityCapability(id string) bool {
	return r.caps.Has(id)
}

// level resolves a live identity's level.
func (r *IdentityRegistry) level(id string) (Level, error) {
	ident, ok := r.identities[id]
	if !ok || !ident.Exists {
		return 0, fmt.Errorf("%w: %s", ErrUnknownIdentity, id)
	}
	return ident.Level, nil
}

// Removed ids stay in the table so they are never recycled.
func (r *IdentityRegistry) planCreate(id string, level Level, name, profileRef string) (Identity, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Identity{}, ErrInvalidID
	}
	if _, ok := r.identities[id]; ok {
		return Identity{}, fmt.Errorf("%w: %s", ErrIdentityExists, id)
	}
	if !level.Valid() {
		return Identity{}, fmt.Errorf("%w: %d", ErrInvalidLevel, level)
	}
	return Identity{ID: id, Level: level, Name: name, ProfileRef: profileRef, Exists: true}, nil
}

func (r *IdentityRegistry) planUpdateLevel(id string, level Level) (Identity, error) {
	ident, ok := r.identities[id]
	if !ok || !ident.Exists {
		return Identity{}, fmt.Errorf("%w: %s", ErrUnknownIdentity, id)
	}
	if !level.Valid() {
		return Identity{}, fmt.Errorf("%w: %d", ErrInvalidLevel, level)
	}
	ident.Level = level
	return ident, nil
}

func (r *IdentityRegistry) planRemove(id string) (Identity, error) {
	ident, ok := r.identities[id]
	if !ok || !ident.Exists {
		return Identity{}, fmt.Errorf("%w: %s", ErrUnknownIdentity, id)
	}
	ident.Exists = false
	return ident, nil
}

func (r *IdentityRegistry) put(ident Identity) { r.identities[ident.ID] = ident }
