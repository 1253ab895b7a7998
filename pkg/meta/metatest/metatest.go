// Package metatest provides a small solidified domain model shared by
// tests across the module: companies employ people, and people are
// assigned cases.
package metatest

import (
	"github.com/loomstack/loom/pkg/meta"
	"github.com/loomstack/loom/pkg/rules"
)

// NewRegistry builds and solidifies a fresh registry containing the
// Company, Person, and Case models. Each call returns independent
// metadata so tests cannot interfere with one another.
func NewRegistry() *meta.Registry {
	r := meta.NewRegistry()

	r.MustRegister(&meta.Model{
		Name: "Company",
		Props: []*meta.Property{
			{Name: "companyId", Type: meta.TypeNumber, Role: meta.RolePrimaryKey},
			{Name: "name", DisplayName: "Name", Type: meta.TypeString, Role: meta.RoleValue,
				Rules: []rules.Rule{rules.Required("Name")}},
			{Name: "employees", Type: meta.TypeCollection, Role: meta.RoleCollectionNavigation,
				ModelName: "Person", InverseName: "company"},
		},
	})

	r.MustRegister(&meta.Model{
		Name: "Person",
		Props: []*meta.Property{
			{Name: "personId", Type: meta.TypeNumber, Role: meta.RolePrimaryKey},
			{Name: "name", DisplayName: "Name", Type: meta.TypeString, Role: meta.RoleValue,
				Rules: []rules.Rule{rules.Required("Name")}},
			{Name: "companyId", Type: meta.TypeNumber, Role: meta.RoleForeignKey, Nullable: true,
				Rules: []rules.Rule{rules.Required("Company")}},
			{Name: "company", Type: meta.TypeModel, Role: meta.RoleReferenceNavigation,
				ModelName: "Company", ForeignKeyName: "companyId"},
			{Name: "casesAssigned", Type: meta.TypeCollection, Role: meta.RoleCollectionNavigation,
				ModelName: "Case", InverseName: "assignedTo"},
		},
	})

	r.MustRegister(&meta.Model{
		Name: "Case",
		Props: []*meta.Property{
			{Name: "caseKey", Type: meta.TypeNumber, Role: meta.RolePrimaryKey},
			{Name: "title", DisplayName: "Title", Type: meta.TypeString, Role: meta.RoleValue,
				Rules: []rules.Rule{rules.Required("Title"), rules.MaxLength("Title", 100)}},
			{Name: "description", DisplayName: "Description", Type: meta.TypeString, Role: meta.RoleValue},
			{Name: "assignedToId", Type: meta.TypeNumber, Role: meta.RoleForeignKey, Nullable: true},
			{Name: "assignedTo", Type: meta.TypeModel, Role: meta.RoleReferenceNavigation,
				ModelName: "Person", ForeignKeyName: "assignedToId"},
		},
	})

	if err := r.Solidify(); err != nil {
		panic(err)
	}
	return r
}
