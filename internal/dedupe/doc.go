// Package dedupe provides a short-lived idempotency cache keyed by client
// correlation id, so a dispatch retried after a timeout resolves to the
// message the first attempt already committed.
package dedupe
