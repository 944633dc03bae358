// Package store defines the aggregate persistence interfaces.
//
// Each subsystem (lock, retry, job, subscriber, schedule, dlq) defines
// its own store interface. The composites here group them by substrate:
//
//   - [KVStore] — lock leases and rate-limit window counters. Needs
//     atomic create-if-absent and increment-with-expiry primitives.
//   - [DurableStore] — jobs, subscriber reads, scheduled entries, and
//     dead letters. Needs an atomic claim (dequeue) primitive.
//   - [Store] — both substrates behind one backend.
//
// # Available Backends
//
//   - store/memory — in-memory [Store] for development and testing
//   - store/redis — Redis [KVStore] using go-redis/v9
//   - store/mongo — MongoDB [DurableStore] using mongo-driver/v2
//
// # Usage
//
//	kv, err := redisstore.New(ctx, "redis://localhost:6379/0")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer kv.Close()
//
//	durable, err := mongostore.New(ctx, "mongodb://localhost:27017", "coord")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer durable.Close()
//
// # Migrations
//
// Call Migrate once at startup to create or update indexes:
//
//	if err := durable.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
package store
