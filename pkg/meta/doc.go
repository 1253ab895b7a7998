// Package meta defines the runtime metadata that describes a domain model:
// entity types, their properties and relational roles, validation rules,
// and row/property security. Metadata lives in a Registry that is built
// once at startup, solidified (cross-model references resolved), and never
// mutated afterwards; every consumer shares the same immutable description
// of each entity type.
package meta
