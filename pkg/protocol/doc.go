/*
Package protocol defines the wire format spoken between every pair of
Quarry processes: a one-byte opcode, a u32 payload length and a payload
of typed fields, all network byte order. Strings and blobs are
u32-length-prefixed with no terminator.

Each message is a typed struct with a paired decode function; Send
frames and writes one, ReadPacket reads the next. Storage responses
carry an i8 status whose values map one to one onto the shared domain
errors in the types package.
*/
package protocol
