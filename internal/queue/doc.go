// Package queue persists per-connection outbound message queues so that
// frames written while a connection is down survive a process restart and
// replay in FIFO order on reconnect.
package queue
