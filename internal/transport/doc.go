// Package transport manages pooled WebSocket connections to the chat
// gateway.
//
// # Pool
//
// Pool hands out at most one shared Conn per (roomID, agentID) key and
// bounds the total number of live connections. At capacity the
// least-recently-inserted entry is evicted and forcibly disconnected before
// a new connection is registered.
//
//	pool := transport.NewPool(transport.PoolConfig{Host: host, Queue: store})
//	conn := pool.Get(roomID, agentID, agentName)
//	conn.Connect()
//
// # Conn
//
// Conn owns one socket's lifecycle. Its reported state always mirrors the
// last transport callback observed: connecting, connected, disconnected, or
// error. Unexpected closes schedule reconnects with exponential backoff
// (1s, 2s, 4s, ... capped at 30s) and give up silently after five
// consecutive failures.
//
// Outbound frames sent while disconnected are queued in order and written
// through to a durable queue.Store, so they survive a process restart and
// flush strictly FIFO on the next successful open. Disconnect permits a
// later Connect; Destroy is terminal and turns every public method into a
// no-op.
//
// # Inbound parsing
//
// Every inbound frame becomes a Message. JSON objects parse as-is; anything
// else is wrapped as a synthetic system_message rather than dropped.
package transport
