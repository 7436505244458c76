package outbox

import "github.com/hyperengineering/outbox/internal/transport"

// Sender delivers one mutation to the server. The HTTP implementation is
// used unless Config.Sender supplies another.
type Sender = transport.Sender

// Request is a mutation on the wire.
type Request = transport.Request

// Response is the server's answer to a Request.
type Response = transport.Response
