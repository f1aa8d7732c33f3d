/*
The sync package holds the state a node keeps while keeping its sync root
identical to its peers' sync roots.

There are three tables, and all of them are safe for concurrent use:
1) Directory -- The peers this node currently knows about, as reported by the
   rendezvous service. It's replaced wholesale on every heartbeat.
2) HashTracker -- The content digest of every file the node believes is
   present and fully synced. A file on disk without an entry hasn't been
   classified yet.
3) Suppressor -- The files that are being written by a remote-driven sync.
   Filesystem events for these files are not user changes, and must not be
   announced to peers.

The loop-breaker is the combination of the HashTracker and the Suppressor: a
file written by a transfer is recorded with its digest, so when the watcher
later sees the write, the digest is unchanged and nothing is announced.

Only the top level of the sync root is replicated. Directories, hidden files,
and temporary files are never synced.
*/
package sync
