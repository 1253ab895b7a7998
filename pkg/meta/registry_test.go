package meta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func personCompanyRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(&Model{
		Name: "Company",
		Props: []*Property{
			{Name: "companyId", Type: TypeNumber, Role: RolePrimaryKey},
			{Name: "name", Type: TypeString, Role: RoleValue},
			{Name: "employees", Type: TypeCollection, Role: RoleCollectionNavigation,
				ModelName: "Person", InverseName: "company"},
		},
	})
	r.MustRegister(&Model{
		Name: "Person",
		Props: []*Property{
			{Name: "personId", Type: TypeNumber, Role: RolePrimaryKey},
			{Name: "companyId", Type: TypeNumber, Role: RoleForeignKey, Nullable: true},
			{Name: "company", Type: TypeModel, Role: RoleReferenceNavigation,
				ModelName: "Company", ForeignKeyName: "companyId"},
		},
	})
	return r
}

func TestSolidifyResolvesReferences(t *testing.T) {
	r := personCompanyRegistry()
	require.NoError(t, r.Solidify())

	person, err := r.Model("Person")
	require.NoError(t, err)
	company, err := r.Model("Company")
	require.NoError(t, err)

	nav := person.Prop("company")
	require.NotNil(t, nav)
	assert.Same(t, company, nav.RefModel)
	assert.Same(t, person.Prop("companyId"), nav.ForeignKey)
	assert.Same(t, nav, person.Prop("companyId").Navigation)

	coll := company.Prop("employees")
	require.NotNil(t, coll)
	assert.Same(t, person, coll.RefModel)
	assert.Same(t, nav, coll.Inverse)

	assert.Equal(t, "personId", person.KeyProp().Name)
}

func TestSolidifyIsOneShot(t *testing.T) {
	r := personCompanyRegistry()
	require.NoError(t, r.Solidify())

	assert.ErrorIs(t, r.Solidify(), ErrSolidified)
	assert.ErrorIs(t, r.Register(&Model{Name: "Late"}), ErrSolidified)
}

func TestLookupBeforeSolidify(t *testing.T) {
	r := personCompanyRegistry()

	_, err := r.Model("Person")
	assert.ErrorIs(t, err, ErrNotSolidified)
	_, err = r.Models()
	assert.ErrorIs(t, err, ErrNotSolidified)
}

func TestSolidifyValidation(t *testing.T) {
	tests := []struct {
		name    string
		model   *Model
		wantErr error
	}{
		{
			name: "missing primary key",
			model: &Model{Name: "Bad", Props: []*Property{
				{Name: "title", Type: TypeString, Role: RoleValue},
			}},
			wantErr: ErrNoPrimaryKey,
		},
		{
			name: "two primary keys",
			model: &Model{Name: "Bad", Props: []*Property{
				{Name: "a", Type: TypeNumber, Role: RolePrimaryKey},
				{Name: "b", Type: TypeNumber, Role: RolePrimaryKey},
			}},
			wantErr: ErrMultiplePrimaryKey,
		},
		{
			name: "duplicate property",
			model: &Model{Name: "Bad", Props: []*Property{
				{Name: "id", Type: TypeNumber, Role: RolePrimaryKey},
				{Name: "x", Type: TypeString, Role: RoleValue},
				{Name: "x", Type: TypeString, Role: RoleValue},
			}},
			wantErr: ErrDuplicateProp,
		},
		{
			name: "unknown referenced model",
			model: &Model{Name: "Bad", Props: []*Property{
				{Name: "id", Type: TypeNumber, Role: RolePrimaryKey},
				{Name: "otherId", Type: TypeNumber, Role: RoleForeignKey},
				{Name: "other", Type: TypeModel, Role: RoleReferenceNavigation,
					ModelName: "Nope", ForeignKeyName: "otherId"},
			}},
			wantErr: ErrBadReference,
		},
		{
			name: "navigation names a non-FK property",
			model: &Model{Name: "Bad", Props: []*Property{
				{Name: "id", Type: TypeNumber, Role: RolePrimaryKey},
				{Name: "otherId", Type: TypeNumber, Role: RoleValue},
				{Name: "other", Type: TypeModel, Role: RoleReferenceNavigation,
					ModelName: "Bad", ForeignKeyName: "otherId"},
			}},
			wantErr: ErrBadReference,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			r.MustRegister(tt.model)
			assert.ErrorIs(t, r.Solidify(), tt.wantErr)
		})
	}
}

func TestRowSecurityDefaults(t *testing.T) {
	var s RowSecurity
	anon := Principal{}

	assert.True(t, s.IsCreateAllowed(anon))
	assert.True(t, s.IsEditAllowed(anon))
	assert.True(t, s.IsDeleteAllowed(anon))
	assert.True(t, s.IsReadAllowed(anon))

	s = RowSecurity{Edit: AllowRoles("admin")}
	assert.False(t, s.IsEditAllowed(anon))
	assert.False(t, s.IsEditAllowed(Principal{Authenticated: true}))
	assert.True(t, s.IsEditAllowed(Principal{Authenticated: true, Roles: []string{"admin"}}))
}

func TestPropertyWritability(t *testing.T) {
	nav := &Property{Name: "company", Role: RoleReferenceNavigation}
	fk := &Property{Name: "companyId", Role: RoleForeignKey}
	hidden := &Property{Name: "secret", Role: RoleValue, NoSerialize: true}
	locked := &Property{Name: "ownerId", Role: RoleValue, Write: AllowRoles("admin")}

	anon := Principal{}
	assert.False(t, nav.IsClientWritable(anon), "navigations are written via their FKs")
	assert.True(t, fk.IsClientWritable(anon))
	assert.False(t, hidden.IsClientWritable(anon))
	assert.False(t, locked.IsClientWritable(anon))
	assert.True(t, locked.CanRead(anon), "read is unrestricted unless set")
}
