// Package api is the HTTP surface of the daemon.
//
// Every route is scoped to one scheduler instance by its {key} path segment:
//
//	POST   /v1/{key}/create            {reminderAt, content, userId}
//	DELETE /v1/{key}/delete/{taskId}
//	GET    /v1/{key}/list
//
// plus /healthz, /metrics and, when enabled, /debug/pprof/.
package api
