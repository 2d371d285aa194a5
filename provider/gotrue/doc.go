// Package gotrue implements portal.IdentityProvider against a GoTrue-compatible
// authentication service.
package gotrue
