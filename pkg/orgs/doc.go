// Package orgs manages the organization record and its organizational-unit tree.
//
// # Organizations
//
// At most one organization is active (disabled_at IS NULL) at any time.
// Creating an organization disables every previously active one in the same
// transaction; old rows are kept as history. A partial unique index backs the
// invariant at the storage layer.
//
// Logos live in a storage.FileStore. A logo is uploaded before the database
// transaction starts and deleted again if the transaction fails, so no orphan
// objects remain.
//
// # Units
//
// Units form a tree through a nullable parent pointer, scoped to one
// organization. Tree loads a whole organization into a flat arena indexed by
// id; walks never recurse through pointers.
//
// A unit cannot be deleted while it has child units or members. Members are
// principals attached through the organizational_unit_user pivot, which has
// its own disabled_at so a principal can be suspended from one unit only.
package orgs
