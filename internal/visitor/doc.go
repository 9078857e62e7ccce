// ABOUTME: Package documentation for the visitor package
// ABOUTME: Explains the classification model and the live workspace feed

/*
Package visitor derives UI-ready views of a workspace's visitors from the
gateway's live event stream.

# Classification

Every workspace push carries the full visitor collection. Classify
partitions it into five pairwise-disjoint buckets — left, served,
incoming, idle, active — recomputed from scratch each pass. The only
ordering signal is the chat log: a user message landing strictly after the
last "left the chat" system marker makes an unassigned visitor incoming.

# Normalization

Raw records are normalized before classification: a synthetic "joined"
system entry is prepended, stamped with the first real entry's timestamp,
and immediately-adjacent duplicate system entries are collapsed.

# Feed

Feed subscribes to workspace:<id> pushes on a pooled gateway connection,
reclassifies on each one, and fans Snapshot values out to observers. It
also serves one-shot visitor lookups over the same connection, keyed as
findOne:<sessionID>. The feed borrows the connection; closing the feed
never closes the transport.
*/
package visitor
