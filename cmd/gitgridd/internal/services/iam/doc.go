// Package iam provides identity and access management for gitgridd.
//
// It centralizes authentication, capability checks and repository permission
// resolution:
//
//   - Authenticator: ordered chain of pure steps (container identity, client
//     certificate, session cookie, basic credentials, access tokens, OIDC)
//     with a final disabled-account veto
//   - Principal: immutable authentication result
//   - TeamGrantCache: atomic snapshot of teams, their roles and grants
//   - Resolver: effective permissions and ranked grant lists
//   - Service: facade for all IAM operations
//
// Request Flow:
//
//	Request → MultiAuth → Authenticator.Authenticate() → Principal
//	       ↓
//	   Handler → Resolver.Authorize(principal, descriptor, action)
//
// Server-wide capabilities (admin, create, fork) are evaluated read-only
// against the static Casbin policy. Repository permissions never touch
// Casbin; they are resolved from stored grants, owners and teams.
package iam
