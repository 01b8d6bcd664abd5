// Package auth provides identity for coven-chat.
//
// Users authenticate with HS256-signed JWT bearer tokens whose "sub" claim
// is the user id. HTTPAuthMiddleware verifies the token and attaches an
// AuthContext to the request context; handlers read it with FromContext.
//
//	verifier, err := auth.NewJWTVerifier(secret)
//	token, err := verifier.Generate("alice", 24*time.Hour)
package auth
