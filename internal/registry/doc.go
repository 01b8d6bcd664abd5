// Package registry maintains a session's conversation list from the
// conversation-list feed, keeps the participant directory populated and
// auto-selects the most recent conversation when none is active.
package registry
