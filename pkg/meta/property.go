package meta

import "github.com/loomstack/loom/pkg/rules"

// Type is the semantic value type of a property.
type Type int

const (
	TypeString Type = iota
	TypeNumber
	TypeBoolean
	TypeEnum
	TypeDate
	TypeModel
	TypeObject
	TypeCollection
	TypeFile
	TypeBinary
)

var typeNames = map[Type]string{
	TypeString:     "string",
	TypeNumber:     "number",
	TypeBoolean:    "boolean",
	TypeEnum:       "enum",
	TypeDate:       "date",
	TypeModel:      "model",
	TypeObject:     "object",
	TypeCollection: "collection",
	TypeFile:       "file",
	TypeBinary:     "binary",
}

func (t Type) String() string { return typeNames[t] }

// Role is the relational role a property plays on its model.
type Role int

const (
	RoleValue Role = iota
	RolePrimaryKey
	RoleForeignKey
	RoleReferenceNavigation
	RoleCollectionNavigation
)

var roleNames = map[Role]string{
	RoleValue:                "value",
	RolePrimaryKey:           "primaryKey",
	RoleForeignKey:           "foreignKey",
	RoleReferenceNavigation:  "referenceNavigation",
	RoleCollectionNavigation: "collectionNavigation",
}

func (r Role) String() string { return roleNames[r] }

// Property describes one property of a model. The *Name fields wire
// relational properties together by name; Registry.Solidify resolves them
// into the pointer fields, after which a Property is immutable.
type Property struct {
	Name        string
	DisplayName string
	Type        Type
	Role        Role

	// Relational wiring, by name. Which fields apply depends on Role:
	// reference navigations name their foreign key and target model;
	// collection navigations name their item model and the inverse
	// reference navigation on that model.
	ForeignKeyName string
	ModelName      string
	InverseName    string

	// Rules are the metadata-provided validation rules shared by every
	// instance of the owning model.
	Rules []rules.Rule

	// ValidateTag is an optional go-playground/validator tag evaluated
	// against incoming DTO values before mapping.
	ValidateTag string

	CreateOnly   bool // settable on create only (client-provided keys)
	NoSerialize  bool // never exchanged with the client
	Nullable     bool // foreign keys: may be null in the store
	DefaultValue any

	// Property-level security. Nil members allow.
	Read  PermissionFn
	Write PermissionFn

	// Resolved by Registry.Solidify.
	ForeignKey *Property // reference navigation: the FK on the same model
	Navigation *Property // foreign key: its reference navigation, if any
	Inverse    *Property // collection navigation: back-reference on the item model
	RefModel   *Model    // navigations: the related model
}

// Display returns the human-facing name, falling back to Name.
func (p *Property) Display() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Name
}

// CanRead reports whether pr may read this property's value.
func (p *Property) CanRead(pr Principal) bool { return allowed(p.Read, pr) }

// CanWrite reports whether pr may write this property's value.
func (p *Property) CanWrite(pr Principal) bool { return allowed(p.Write, pr) }

// IsClientProperty reports whether the property is exchanged with clients
// at all. Navigation collections and references are exchanged as nested
// objects; NoSerialize properties never are.
func (p *Property) IsClientProperty() bool { return !p.NoSerialize }

// IsClientWritable reports whether an incoming DTO value for this property
// may be mapped onto an entity: it must be serialized, writable by the
// principal, and not a navigation (navigations are written via their FKs).
func (p *Property) IsClientWritable(pr Principal) bool {
	if p.NoSerialize {
		return false
	}
	switch p.Role {
	case RoleReferenceNavigation, RoleCollectionNavigation:
		return false
	}
	return p.CanWrite(pr)
}
