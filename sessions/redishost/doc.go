// Package redishost implements sessions.SessionHost on Redis so that several
// bridge replicas can see each other's live sessions.
//
// Each record is a JSON blob stored under <prefix>session:<id> with a TTL
// that the owning replica refreshes while its peer runs. A replica that
// crashes stops refreshing and its records lapse on their own.
//
// Example:
//
//	host, err := redishost.New(ctx, redishost.Config{RedisAddr: "localhost:6379"})
//	if err != nil { ... }
//	defer host.Close()
//
// Use memoryhost when there is a single replica.
package redishost
