// Package coretools registers the concrete tool adapters the agents call:
// member resolution, billing lookup, plan coverage, appointment scheduling
// and document search.
//
// Handlers return typed toolexecutor errors: NOT_FOUND when a record is
// missing, INVALID_ARGUMENT for malformed dates or counts. Source failures
// surface as INTERNAL and deadline overruns as TIMEOUT.
package coretools
