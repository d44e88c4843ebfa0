// Package messaging is an in-process publish/subscribe message bus with
// resumable subscriptions.
//
// Publishers append messages to topics, one per key. Each topic owns a
// fixed-capacity ring Store, so memory per topic is bounded and old
// messages are overwritten. Subscribers follow any number of keys and read
// each topic from their own position; the position is exposed as a cursor
// string the client can hand back after a reconnect.
//
// # Basic Usage
//
//	bus := messaging.New(messaging.WithLogger(log))
//	defer bus.Close()
//
//	sub := messaging.NewSubscriber(connID, "chat.room1", "user.42")
//	h, err := bus.Subscribe(sub, lastCursor, func(ctx context.Context, r messaging.MessageResult) (bool, error) {
//		if r.Terminal {
//			return false, nil
//		}
//		r.Each(func(m *messaging.Message) { conn.Send(m.Value) })
//		return true, conn.Flush()
//	}, 0)
//	if err != nil {
//		return err
//	}
//	defer h.Dispose()
//
//	_ = bus.Publish(ctx, messaging.NewStringMessage(connID, "chat.room1", "hello"))
//
// # Cursors
//
// A cursor is a list of key,HEXID pairs joined by "|", for example
// "chat.room1,1A|user.42,0". The characters \ | and , inside keys are
// escaped with a backslash. With a StringMinifier installed, keys are
// written as short tokens instead. An unknown or malformed cursor is not an
// error: the subscription starts at the current head of each topic.
//
// The read position moves before the callback runs. A callback that fails
// loses its batch rather than receiving it again.
//
// # Scheduling
//
// Publish wakes every subscription on the topic through the Broker. Each
// subscription has at most one worker at a time; a wake-up that arrives
// while the worker drains results in one more pass. A callback that returns
// an error or panics stops the subscription from being scheduled again.
//
// # Garbage Collection
//
// A background sweep runs every GC interval. Topics unused for longer than
// the topic TTL are removed; subscriptions still attached to them move to a
// fresh topic for the same key. When more topics than the configured limit
// have no subscriptions, the least recently used ones are removed.
package messaging
