package cli

import (
	"github.com/loomstack/loom/pkg/meta"
	"github.com/loomstack/loom/pkg/rules"
)

// DomainRegistry builds the model registry the CLI serves: projects own
// tasks, tasks may be assigned to workers. The registry is solidified
// before use, so navigation wiring errors surface at startup rather than
// mid-request.
func DomainRegistry() *meta.Registry {
	r := meta.NewRegistry()

	r.MustRegister(&meta.Model{
		Name: "Project",
		Props: []*meta.Property{
			{Name: "projectId", Type: meta.TypeNumber, Role: meta.RolePrimaryKey},
			{Name: "name", DisplayName: "Name", Type: meta.TypeString, Role: meta.RoleValue,
				Rules: []rules.Rule{rules.Required("Name"), rules.MaxLength("Name", 200)}},
			{Name: "description", DisplayName: "Description", Type: meta.TypeString, Role: meta.RoleValue},
			{Name: "tasks", Type: meta.TypeCollection, Role: meta.RoleCollectionNavigation,
				ModelName: "Task", InverseName: "project"},
		},
	})

	r.MustRegister(&meta.Model{
		Name: "Task",
		Props: []*meta.Property{
			{Name: "taskId", Type: meta.TypeNumber, Role: meta.RolePrimaryKey},
			{Name: "title", DisplayName: "Title", Type: meta.TypeString, Role: meta.RoleValue,
				Rules: []rules.Rule{rules.Required("Title"), rules.MaxLength("Title", 500)}},
			{Name: "done", DisplayName: "Done", Type: meta.TypeBoolean, Role: meta.RoleValue},
			{Name: "projectId", Type: meta.TypeNumber, Role: meta.RoleForeignKey, Nullable: true,
				Rules: []rules.Rule{rules.Required("Project")}},
			{Name: "project", Type: meta.TypeModel, Role: meta.RoleReferenceNavigation,
				ModelName: "Project", ForeignKeyName: "projectId"},
			{Name: "assigneeId", Type: meta.TypeNumber, Role: meta.RoleForeignKey, Nullable: true},
			{Name: "assignee", Type: meta.TypeModel, Role: meta.RoleReferenceNavigation,
				ModelName: "Worker", ForeignKeyName: "assigneeId"},
		},
	})

	r.MustRegister(&meta.Model{
		Name: "Worker",
		Props: []*meta.Property{
			{Name: "workerId", Type: meta.TypeNumber, Role: meta.RolePrimaryKey},
			{Name: "name", DisplayName: "Name", Type: meta.TypeString, Role: meta.RoleValue,
				Rules: []rules.Rule{rules.Required("Name")}},
			{Name: "email", DisplayName: "Email", Type: meta.TypeString, Role: meta.RoleValue,
				ValidateTag: "email"},
			{Name: "tasksAssigned", Type: meta.TypeCollection, Role: meta.RoleCollectionNavigation,
				ModelName: "Task", InverseName: "assignee"},
		},
	})

	if err := r.Solidify(); err != nil {
		panic(err)
	}
	return r
}
