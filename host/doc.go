// Package host is the client library for the plugin server process.
//
// It spawns one server per plugin instance, speaks the control protocol over
// a unix socket, and moves audio through a shared memory region so samples
// never cross the socket. The Client tracks the instance lifecycle
// (Unloaded, Loading, Ready, Processing, Crashed, Closed) and converts every
// way a plugin can die into a CrashError plus one out-of-band crash report.
// A crashed instance is never respawned; the caller decides what to do next.
package host
