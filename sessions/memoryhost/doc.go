// Package memoryhost provides an in-memory sessions.SessionHost suitable for
// tests, development and single-replica deployments. Records live only in
// the current process and expire lazily when listed.
//
// Characteristics
//
//	Durability        : none (RAM only)
//	Horizontal scale  : no (process local)
//	Expiry            : checked on every List
//	Concurrency       : safe (RWMutex)
//
// Example:
//
//	host := memoryhost.New()
//	reg := sessions.NewRegistry(spawner, sessions.WithSessionHost(host, "local", 0))
//
// For multi-replica deployments prefer redishost.
package memoryhost
