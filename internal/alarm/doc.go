// Package alarm hosts the single wake-up of every scheduler instance.
//
// Each key has at most one armed instant. It is persisted under
// StorageKey in the key's storage namespace so it survives restarts, and
// tracked in memory in a min-heap. Run sleeps until the earliest instant
// (never longer than MaxSleep) and then calls Fire for every due key.
package alarm
