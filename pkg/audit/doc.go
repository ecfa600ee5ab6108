// Package audit records and queries the append-only activity log.
//
// Every state-changing action on users, roles, permissions, organizations and
// organizational units produces one entry per logical change. An entry names
// the module that wrote it, the event, the subject acted upon and the causer,
// and carries a properties payload:
//
//	{
//	  "request":    {"ip": ..., "user_agent": ..., "user_agent_lang": ..., "referer": ..., "method": ..., "url": ...},
//	  "causer":     {"id": 1, "name": "...", "email": "..."},
//	  "attributes": {...},  // created: full snapshot, updated: changed fields only
//	  "old":        {...},  // updated: prior values of the changed fields
//	  "granted_permission": {...}, "to_role": {...}  // authorized entries
//	}
//
// Password-like fields are never written. Rows are protected against UPDATE
// and DELETE by a trigger installed with the schema.
//
// Writing:
//
//	w := audit.NewWriter(db, logger, metrics).WithTx(tx)
//	if e, changed := audit.Updated(audit.LogUsers, audit.UserRef(u.ID, u.Name), before, after); changed {
//		_ = w.RecordBestEffort(ctx, e)
//	}
//
// Reading:
//
//	filter, _ := audit.ParseFilter(r.URL.Query())
//	page, err := store.Query(ctx, filter)
package audit
