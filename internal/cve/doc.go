// Package cve defines the core record model shared across subsystems:
// the tracked vulnerability record, its append-only modification
// history, the change detector that diffs two record versions, and the
// collaborator interfaces the tracking service is composed from.
package cve
