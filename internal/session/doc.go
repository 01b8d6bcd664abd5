// Package session is the owned handle for one signed-in user. It builds and
// wires the registry, subscription manager, message store, presence tracker
// and send coordinator over a backend, and tears them down on Close.
package session
