// Package sessions binds bridge clients to peer processes. A Session owns one
// peer subprocess and multiplexes concurrent JSON-RPC calls over its stdio
// streams, correlating replies to callers by request id. The Registry owns
// every live Session, creates them on demand and evicts them when their peer
// exits.
//
// Layers & Roles
//
//	Registry    -> creation policy, lookup with most-recent fallback, shutdown
//	Session     -> framed writes to stdin, reply correlation from stdout
//	ReplyEnricher -> optional hook that may augment a reply before release
//	SessionHost -> optional directory advertising live sessions to other replicas
//
// # Creation policy
//
// PolicyInitialize (default) spawns a fresh peer for every "initialize" call
// and resolves every other call against existing sessions. PolicyLazy spawns
// a peer for the first call that finds no session at all; concurrent callers
// in that situation share a single spawn.
//
// Unless strict mode is enabled, a call with an absent or unknown session id
// is routed to the most recently created live session. This keeps clients
// that drop the session header working, at the cost of isolation between
// clients; enable WithStrictSessions to reject such calls instead.
//
// Implementations of SessionHost
//
//	memoryhost : process-local directory used for tests and single replicas
//	redishost  : Redis keys with TTL for deployments running several bridges
package sessions
