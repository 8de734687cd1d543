// Package queryctl is the query control client: it submits one query
// to the master, streams its READ results and waits for the final
// success or failure notice.
package queryctl
