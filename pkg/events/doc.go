// Package events provides an in-process broker for query and worker
// lifecycle events on the master. Subscribers get buffered channels;
// slow ones drop events rather than block the publisher.
package events
