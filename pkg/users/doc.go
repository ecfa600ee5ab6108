// Package users manages the lifecycle of principals.
//
// Every mutation is authorized through the policy evaluator and runs in one
// transaction together with its activity log entries: one "updated" entry
// when scalar fields change and one "authorized" entry per role, permission
// or unit attached or detached. Batch operations evaluate each principal
// independently and report a partial-success summary.
//
// Accounts move between these states:
//
//	pending  (is_active = false) --verify--> active
//	active   --disable--> disabled --enable--> active
//	any      --delete--> deleted --restore--> previous state
//	any      --force delete--> gone
package users
