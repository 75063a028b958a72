// Package node is the protocol engine for one network address.
//
// Ownership boundary:
// - port registry (socket or callback binding per port)
// - connection table and per-connection receive queues
// - ingress dispatch: local delivery or forwarding through the route table
// - loopback interface for the node's own address
//
// A Node is created once with New and owns its buffer pool and route table.
// There is no process-wide state; several nodes can share a process, which is
// how the tests build multi-node networks over memory links.
//
// Timeouts are time.Duration values: NoWait returns immediately and
// WaitForever blocks until the event happens or the connection closes.
package node
