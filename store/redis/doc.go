// Package redis implements store.Store on a Redis client. Suitable for
// high-throughput workloads where Postgres durability is not required.
//
// Every entity lives in a Hash keyed by its ID, with Sets holding the ID
// space per entity type. Pending messages additionally sit in per-queue
// Sorted Sets scored by priority and enqueue time, so a claim is a
// ZPOPMIN; deferred, scheduled, and in-flight messages sit in
// time-scored Sorted Sets that the sweeps range over. The sorted-set
// scores are only an index: every transition re-checks the parsed Hash
// fields before acting.
//
// The caller owns the client lifecycle; the store never closes it. Pass
// the client through the constructor:
//
//	import (
//	    goredis "github.com/redis/go-redis/v9"
//	    redisstore "github.com/rustpress-net/conveyor/store/redis"
//	)
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	store := redisstore.New(client)
//	if err := store.Ping(ctx); err != nil { ... }
package redis
