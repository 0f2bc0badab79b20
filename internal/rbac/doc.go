// Package rbac loads the role catalog and evaluates capability grants.
//
// Roles are declared in a YAML file with a numeric level and a list of
// capabilities. A role inherits the capabilities of every role with a
// lower level, so the catalog only needs to declare what each tier
// adds. Capability strings are dotted segments with an optional
// trailing wildcard; evaluation is default-deny.
package rbac
