// Package scaleout lets several processes share one logical message bus
// through a backplane such as Redis or PostgreSQL.
//
// A Bus wraps messaging.Bus. Publish does not store anything locally: the
// message is encoded into a Payload and sent to one of the backplane's
// streams, chosen by hashing the message source so that one connection's
// messages stay in order. The backplane assigns each payload an increasing
// id per stream and delivers it to every node. On delivery the node stores
// the messages in its topics and records a Mapping from the payload id to
// the local store positions.
//
// Subscriptions on a scale-out bus read through these mappings and merge
// the streams by payload creation time. Their cursors name stream indexes
// rather than topics, for example "s-0,1F|1,0".
//
// # Streams
//
// Each stream has a send queue with the states Initial, Open, Buffering and
// Closed. With QueueInitialOnly, sends wait until the driver reports the
// stream open. A failed send moves the stream to Buffering and later sends
// fail with the same error until the driver calls Open again.
//
// # Drivers
//
// A driver implements Backplane and reports into the Receiver passed to
// Start. See integration/backplane for Redis, PostgreSQL and in-memory drivers.
package scaleout
