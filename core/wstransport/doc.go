// Package wstransport exposes a message bus to WebSocket clients.
//
// Each connection owns one subscriber. Keys and an optional resume cursor
// come from the query string; after the upgrade the client sends JSON
// frames to publish or to follow and unfollow keys:
//
//	{"type":"publish","key":"room-1","value":"hello"}
//	{"type":"add","key":"room-2"}
//	{"type":"remove","key":"room-1"}
//
// Deliveries arrive as messages frames whose cursor can be passed back on
// reconnect to resume where the client left off:
//
//	{"type":"messages","cursor":"room-1,3","messages":[{"key":"room-1","source":"...","value":"hello"}]}
//
// A client that falls behind by more than the send buffer is disconnected.
//
//	mux.Handle("/ws", wstransport.New(bus, wstransport.WithAllowAnyOrigin()))
package wstransport
