// Package rbac implements the hierarchical, time-bounded role model.
//
// A principal's effective permissions are the union of the direct grants of
// every role it holds on the current date and of every ancestor of those
// roles in the hierarchy. Edges point from parent to child; the child
// inherits. Roles can be deactivated, after which assignments to them are
// not effective and they grant nothing through the hierarchy, though
// inheritance still passes through them to their own parents.
//
// # Components
//
//	Store     SQL persistence, implements Reader
//	Resolver  computes effective roles and permissions from a Reader
//	Graph     in-memory hierarchy traversal and cycle detection
//	Manager   mutations: data change, then cache invalidation, then audit
//	Handlers  /rbac admin endpoints over the Manager
//
// # Seeding
//
// LoadSeed reads a YAML document of permissions, roles, grants and parents;
// ApplySeed applies it idempotently through the Manager so seeded changes
// are audited and invalidate the cache like any other mutation.
package rbac
