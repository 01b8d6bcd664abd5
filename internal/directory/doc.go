// Package directory caches participant profile snapshots for one session.
package directory
