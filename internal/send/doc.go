// Package send turns a user's composition into a confirmed message:
// validate, upload attachments, insert an optimistic entry, dispatch, and
// unwind the optimistic entry if dispatch fails.
//
// Each dispatch attempt is bounded by a timeout and retried a limited number
// of times under the same client id, which the server deduplicates, so a
// retry never produces a second message.
package send
