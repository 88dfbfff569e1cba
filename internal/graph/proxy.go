package graph

// Proxy is the shallow-reactive view of a single record. It is unique
// per RecordId and stable across re-materializations (G3): repeated
// calls to Store.MaterializeRecord(id) return the same *Proxy.
//
// Reads go through Store.ReadField so they register a dependency
// against whatever Tracker is active; writes always go through the
// Store (the proxy itself never mutates state directly, consistent
// with §5's "the graph is the single owner of records and the only
// mutator").
type Proxy struct {
	store *Store
	id    RecordId
}

// ID returns the RecordId this proxy was materialized for.
func (p *Proxy) ID() RecordId {
	return p.id
}

// Get reads a single field, returning (nil, false) once the record has
// been removed (G4) or never had that field set.
func (p *Proxy) Get(field string) (any, bool) {
	return p.store.ReadField(p.id, field)
}

// Snapshot returns a plain copy of the record's current fields, or an
// empty map once the record has been removed (G4).
func (p *Proxy) Snapshot() Record {
	rec, ok := p.store.GetRecord(p.id)
	if !ok {
		return Record{}
	}
	return rec
}

// Exists reports whether the underlying record is currently present.
func (p *Proxy) Exists() bool {
	_, ok := p.store.GetRecord(p.id)
	return ok
}
