/*
Package ipc provides a duplex session for exchanging codec wire values over a single loopback connection.

A session owns one connection for its whole life. Reads and writes are independent: a reader goroutine starts consuming the
connection as soon as the session is created, and writes are queued and drained by a writer goroutine, so neither side can
stall the other when both are sending at once.

The intended use is one command/response cycle per connection:

1. The parent listens on 127.0.0.1 and starts the child with the port.
2. The child dials the port and wraps the connection in a Session.
3. The parent accepts the connection and wraps it in a Session, which starts reading immediately.
4. The parent writes one command and then reads events until it sees a terminal one.
5. Both sides close their sessions. Close flushes queued writes before releasing the connection.
*/
package ipc
