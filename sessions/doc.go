// Package sessions manages the two session kinds of the authentication core
// and the TTL-keyed key/value contract that persists them.
//
// An AuthorizationSession is the ephemeral record for one in-flight login:
// it carries the PKCE verifier, CSRF state, OIDC nonce and client
// fingerprint, lives for ten minutes, and is strictly single-use. A
// UserSession is the persistent record for an authenticated browser context:
// its identifier rotates on every token refresh and its fingerprint binding
// is enforced on every validated access.
//
// Layers & Roles
//
//	Service -> typed records, lifecycle rules, CSRF + fingerprint checks
//	Store   -> opaque TTL'd blobs keyed "auth:{id}" / "user:{id}"
//
// Implementations
//
//	memorystore : in-process LRU with lazy expiry and an explicit sweep
//	redisstore  : Redis backend where TTL enforcement is native
//
// The Store sees only JSON blobs; all mutation logic lives in the Service.
// Corrupted or undeserializable entries are treated as absent and are
// proactively deleted on read. Session identifiers are 256-bit random
// values, so possession of an id is the sole proof of ownership and ids must
// never be logged.
package sessions
