// Package presence tracks the signed-in user's own status and applies
// other participants' status changes to the directory.
//
// The user's status moves Offline to Online on Start, between Online and
// Busy on SetStatus, and back to Offline on Stop. Stop is best effort: if
// the offline broadcast fails the server's idle sweep marks the user
// offline later.
package presence
