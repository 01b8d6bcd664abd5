// Package gateway serves the coven-chat HTTP API.
//
// # Overview
//
// The Gateway owns the SQLite store, the feed hub, the local upload store,
// the JWT verifier and a per-user send limiter. Run serves HTTP (on TCP or a
// Tailscale node) next to the presence sweeper under one errgroup and shuts
// everything down when its context is canceled.
//
// # HTTP API
//
// All /api routes need an "Authorization: Bearer <jwt>" header; the token
// subject is the acting user.
//
//	GET  /api/feed/conversations                  SSE conversation list feed
//	GET  /api/feed/conversations/{id}/messages    SSE message feed (participants only)
//	GET  /api/feed/presence?user=a,b              SSE presence feed
//	POST /api/conversations                       get or create a conversation with peer_id
//	POST /api/conversations/{id}/messages         dispatch a message (rate limited)
//	POST /api/conversations/{id}/read             mark messages to the caller as read
//	POST /api/messages/{id}/vote                  vote on a poll
//	POST /api/uploads                             multipart "file" upload
//	PUT  /api/presence                            set the caller's status
//	GET  /api/profiles/{id}                       profile with presence
//	PUT  /api/profile                             set the caller's profile
//	GET  /media/{name}                            uploaded files
//	GET  /health                                  liveness
//	GET  /metrics                                 Prometheus metrics, when enabled
//
// Errors are JSON {"error": "...", "code": "..."}; the code names the
// domain error so clients can map it back.
//
// # Feed Streams
//
// A feed stream writes one "snapshot" event per delivery, the first being
// the initial state:
//
//	event: snapshot
//	data: {"query":{...},"initial":true,"messages":[...]}
//
// A ": keepalive" comment is written while idle and also counts as presence
// activity. When the feed ends the server writes a final "end" event whose
// data carries the error, with "lagged": true when the client fell behind
// and must resubscribe.
package gateway
