/*
Package protocol defines the messages exchanged between a supervisor and a worker process.

Every message is a keyed map carrying a string "type" discriminator. Messages sent supervisor->worker are commands, and messages
sent worker->supervisor are events. The schema of each message is the struct of the same name in messages.go.

A run proceeds as follows:

1. The worker connects and sends "ready" with the protocol version it speaks.
2. The supervisor sends one "run-scenarios" command.
3. The worker streams progress events: "run-started", "scenario-started", "step-started", "step-finished",
"scenario-finished" and "run-finished".
4. The worker sends exactly one terminal event, "result" or "error", and closes its end.

The supervisor may send "abort" at any point after the command. The worker then stops starting new work and still sends a
terminal event, which may race with the supervisor's own cancellation.

Failing scenarios are reported inside the "result" event. The "error" event is reserved for failures of the worker itself.
*/
package protocol
