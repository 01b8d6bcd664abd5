// Package messages holds the per-conversation message logs of a session and
// reconciles optimistic sends with their server-confirmed counterparts.
//
// Pending entries carry a client correlation id. A confirmed message echoing
// that id replaces its pending entry exactly; confirmed messages without an
// id fall back to matching on sender, content signature and a recency window.
// Logs are always sorted by creation time with the id as tie-break and never
// hold two entries for the same message.
package messages
