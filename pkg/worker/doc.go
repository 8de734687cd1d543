/*
Package worker implements a Quarry worker node: one active query at a
time, executed instruction by instruction against demand-paged memory.

Two goroutines share a mutex and a condition variable. The master
listener installs assignments and raises the ejection flag; the
executor waits for a query, then fetches, decodes and executes script
lines, checking the flag before every fetch and after every
instruction. On ejection it flushes all dirty pages and answers the
master with the index of the next unexecuted instruction, which is the
checkpoint the query later resumes from.

The storage client is synchronous and driven only by the executor; its
block size, fetched at handshake, becomes the page size of the memory
manager. The worker survives a lost master: an in-flight query is
abandoned locally and the handshake retried until the master returns.
*/
package worker
