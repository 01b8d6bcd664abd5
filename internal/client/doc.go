// Package client is the HTTP side of coven-chat: a Client talks to one
// gateway as one user.
//
// Client implements everything a session needs from a backend:
//
//   - feed.Transport, by opening the gateway's Server-Sent Event feeds
//   - send.Dispatcher, by posting messages with their client id
//   - presence.Publisher and directory.Resolver over the presence and profile routes
//   - upload.Uploader, by streaming multipart uploads
//
// Gateway error codes are mapped back to the domain errors they name, so
// errors.Is(err, store.ErrNotParticipant) holds for a 403 from the gateway
// and the send coordinator can tell permanent failures from transient ones.
//
// A feed that the gateway ends for lagging fails with feed.ErrLagged; one
// ended cleanly by the gateway fails with ErrFeedEnded; a stream that drops
// without an end event fails with io.ErrUnexpectedEOF.
package client
