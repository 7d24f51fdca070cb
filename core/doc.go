// Package core holds the pipeline behind an ingest endpoint: the bounded
// EventBuffer that endpoints push raw datagrams into, the Consumer worker
// pool that drains it, and the Sinks the consumer writes to.
//
// # Backpressure
//
// EventBuffer.Push never blocks. When the buffer is full it returns false
// and the endpoint counts the datagram as dropped. Closing the buffer
// rejects further pushes while Pop keeps returning what is already queued,
// so Consumer.Stop drains the backlog before the sink is closed.
package core
