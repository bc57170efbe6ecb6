// Package registry caches the asset-management model catalog for one run.
// It is built once from a full model listing and extended in place as new
// models are created, so later devices in the same run observe them without
// re-listing.
package registry

import "snipesync/pkg/models"

// ModelRegistry maps MDM model identifiers (model numbers) to
// asset-management model ids and tracks the display names already known.
type ModelRegistry struct {
	ids   map[string]int64
	names map[string]struct{}
}

// New builds a registry from a complete model listing. Models without a
// model number cannot participate in identifier-keyed lookup and are
// ignored. When several catalog entries share a model number, the first
// listed one is authoritative and the rest are ignored.
func New(catalog []models.Model) *ModelRegistry {
	r := &ModelRegistry{
		ids:   make(map[string]int64, len(catalog)),
		names: make(map[string]struct{}, len(catalog)),
	}
	for _, m := range catalog {
		if m.ModelNumber == "" {
			continue
		}
		if _, dup := r.ids[m.ModelNumber]; dup {
			continue
		}
		r.ids[m.ModelNumber] = m.ID
		r.names[m.Name] = struct{}{}
	}
	return r
}

// IDFor returns the model id registered for a model number.
func (r *ModelRegistry) IDFor(modelNumber string) (int64, bool) {
	id, ok := r.ids[modelNumber]
	return id, ok
}

// NameKnown reports whether a display name is already present in the
// catalog. A model whose MDM display name is unknown has drifted and needs
// a rename.
func (r *ModelRegistry) NameKnown(name string) bool {
	_, ok := r.names[name]
	return ok
}

// Register inserts or refreshes a model, making it visible to the rest of
// the run. Models without a model number are ignored, as in New.
func (r *ModelRegistry) Register(m models.Model) {
	if m.ModelNumber == "" {
		return
	}
	r.ids[m.ModelNumber] = m.ID
	r.names[m.Name] = struct{}{}
}

// Len returns the number of registered model numbers.
func (r *ModelRegistry) Len() int {
	return len(r.ids)
}
