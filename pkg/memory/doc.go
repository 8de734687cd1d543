/*
Package memory implements the worker's demand-paged virtual memory.

A fixed slab of physical memory is divided into frames the size of a
storage block. Each file:tag mapping a query touches gets a page table
whose entries map logical pages onto frames:

	logical address ──► page table ──► frame ──► slab offset
	                        │
	                   (not present)
	                        │
	                        ▼
	                   page fault ──► storage READ_BLOCK

A page fault allocates a frame, fetches the backing block from storage
(zero-filling short reads) and maps the page clean. When no frame is
free a replacement policy picks a victim, writing it back first when
dirty:

  - LRU scans every present page across all mappings and evicts the one
    with the oldest access stamp. Stamps come from a process-wide atomic
    counter, so recency is totally ordered even across page tables.
  - Clock-M sweeps the frame table circularly from the shared clock
    hand: pass one takes the first clean unreferenced page, pass two
    remembers the first dirty unreferenced one while clearing use bits,
    repeating until a victim appears.

Every access sleeps the configured retardation to simulate memory
latency, refreshes the recency state and, for writes, marks the page
dirty. The manager is owned by a single executor goroutine and needs no
internal locking.
*/
package memory
