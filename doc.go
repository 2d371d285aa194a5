// Package portal implements the client-side session core of a student
// learning-resource portal backed by a hosted identity provider and a
// relational profile store.
//
// The central type is [SessionManager]: it owns the process-wide [AuthState],
// reconciling two asynchronous inputs (the provider's session-change event
// stream, and pull-based profile lookups) into one consistent, observable
// belief about "who is the current user". Everything else in the package is
// supporting infrastructure: profile and resource repositories, the resource
// review workflow, and HTTP glue for the portal's web surface.
//
// Consumers read AuthState; only the SessionManager mutates it.
package portal
