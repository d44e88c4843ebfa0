// Package redis is a scale-out backplane over Redis Pub/Sub.
//
// Each stream uses a channel "<prefix>:stream:<n>" and a counter key
// "<prefix>:stream:<n>:id". Send runs a Lua script that increments the
// counter and publishes "<id> <payload>" atomically, so every node sees the
// payloads of a stream in id order. Pub/Sub does not replay: a node that is
// disconnected misses what was published meanwhile, and the scale-out bus
// keeps serving from its local mappings.
//
//	client, err := redisdb.Connect(ctx, redisCfg)
//	...
//	bp, err := redis.New(client, redis.Config{StreamCount: 4, Prefix: "signalbus"}, log)
//	bus, err := scaleout.New(bp, scaleout.WithLogger(log))
package redis
