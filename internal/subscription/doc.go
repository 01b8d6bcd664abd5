// Package subscription owns a session's live feeds: the conversation-list
// feed and at most one active message feed. Switching the active
// conversation closes the old feed before opening the new one, and a
// generation check under the apply lock guarantees no event from the old
// feed is applied once the switch has begun.
package subscription
