// Package api defines the contracts between the pieces of the save/delete
// pipeline: typed operation results, request parameters, and the
// DataSource and Behaviors interfaces that generated API surfaces consume.
//
// Validation and authorization outcomes are values, never errors: an
// operation that fails a rule or a permission check returns a non-OK
// result. Go errors are reserved for infrastructure failures, which the
// caller's transaction wrapper owns.
package api

import (
	"github.com/loomstack/loom/pkg/meta"
	"github.com/loomstack/loom/pkg/model"
)

// Reason classifies a non-OK result, mirroring the HTTP status the
// excluded controller layer would map it to.
type Reason int

const (
	ReasonOK Reason = iota
	ReasonInvalid
	ReasonUnauthenticated
	ReasonForbidden
	ReasonNotFound
)

// StatusCode returns the HTTP-status-like classification of the reason.
func (r Reason) StatusCode() int {
	switch r {
	case ReasonOK:
		return 200
	case ReasonInvalid:
		return 400
	case ReasonUnauthenticated:
		return 401
	case ReasonForbidden:
		return 403
	case ReasonNotFound:
		return 404
	}
	return 500
}

// ValidationIssue is one field-level validation failure.
type ValidationIssue struct {
	Property string
	Message  string
}

// ItemResult is the outcome of a single-item operation.
type ItemResult[T any] struct {
	OK      bool
	Reason  Reason
	Message string
	Issues  []ValidationIssue

	Object T

	// IncludeTree shapes how Object's related entities serialize.
	IncludeTree *model.IncludeTree

	// RefMap maps batch-local reference ids to the primary keys assigned
	// during a bulk save.
	RefMap map[int64]any
}

// OK returns a successful result carrying obj.
func OK[T any](obj T) ItemResult[T] {
	return ItemResult[T]{OK: true, Object: obj}
}

// Failure returns a non-OK result with the given classification.
func Failure[T any](reason Reason, message string) ItemResult[T] {
	return ItemResult[T]{Reason: reason, Message: message}
}

// Invalid returns a validation failure carrying field-level issues.
func Invalid[T any](message string, issues ...ValidationIssue) ItemResult[T] {
	return ItemResult[T]{Reason: ReasonInvalid, Message: message, Issues: issues}
}

// NotFound returns a not-found failure.
func NotFound[T any](message string) ItemResult[T] {
	return Failure[T](ReasonNotFound, message)
}

// AuthFailure returns an authorization failure, distinguishing an
// unauthenticated caller from an authenticated one lacking permission.
func AuthFailure[T any](p meta.Principal, message string) ItemResult[T] {
	if p.Authenticated {
		return Failure[T](ReasonForbidden, message)
	}
	return Failure[T](ReasonUnauthenticated, message)
}

// FailureOf transfers the failure state of r to a result of another type.
// r must be non-OK.
func FailureOf[T, U any](r ItemResult[T]) ItemResult[U] {
	return ItemResult[U]{Reason: r.Reason, Message: r.Message, Issues: r.Issues}
}

// ListResult is the outcome of a list operation.
type ListResult[T any] struct {
	OK      bool
	Reason  Reason
	Message string

	List       []T
	Page       int
	PageSize   int
	TotalCount int
}

// OKList returns a successful list result.
func OKList[T any](list []T, page, pageSize, total int) ListResult[T] {
	return ListResult[T]{OK: true, List: list, Page: page, PageSize: pageSize, TotalCount: total}
}

// ListFailure returns a non-OK list result.
func ListFailure[T any](reason Reason, message string) ListResult[T] {
	return ListResult[T]{Reason: reason, Message: message}
}

// PageCount returns the number of pages implied by the result, or -1 when
// the total is unknown.
func (r ListResult[T]) PageCount() int {
	if r.PageSize <= 0 {
		return -1
	}
	return (r.TotalCount + r.PageSize - 1) / r.PageSize
}
