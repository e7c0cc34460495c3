// Package records exposes member, visit, plan and coverage data behind a
// field-lookup interface, backed either by an in-memory catalog loaded from
// JSON or by a SQLite table of JSON documents.
//
// Usage:
//
//	cat, _ := records.LoadJSON("records.json")
//	member, ok, _ := cat.Collection(records.Members).FindByField(ctx, "member_id", "MBR156655633")
package records
