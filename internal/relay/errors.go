package relay

import "fmt"

// ValidationError means the message content itself is invalid (e.g. empty
// after substitution). Policy: abort the proxy, log, delete the source only
// if the underlying error indicates an empty message.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

// AttachmentFetchError means one attachment could not be re-fetched from its
// proxy URL. Policy: drop that attachment and continue with the rest.
type AttachmentFetchError struct {
	URL string
	Err error
}

func (e *AttachmentFetchError) Error() string {
	return fmt.Sprintf("attachment fetch %s: %v", e.URL, e.Err)
}
func (e *AttachmentFetchError) Unwrap() error { return e.Err }

// CreateError means message creation itself failed. Policy: abort the
// proxy; do not delete the source.
type CreateError struct {
	Err error
}

func (e *CreateError) Error() string { return fmt.Sprintf("create message: %v", e.Err) }
func (e *CreateError) Unwrap() error { return e.Err }

// DeleteError means a delete call failed. Permission is true for Discord
// error code 50013 ("Missing Permissions"); policy: react 🔐 on the source,
// and if this was step 2 of the proxy protocol, roll back by deleting the
// duplicate.
type DeleteError struct {
	Permission bool
	Err        error
}

func (e *DeleteError) Error() string { return fmt.Sprintf("delete message: %v", e.Err) }
func (e *DeleteError) Unwrap() error { return e.Err }

// DeserializeError means a gateway payload could not be decoded. Policy: log
// and abort that operation.
type DeserializeError struct {
	Err error
}

func (e *DeserializeError) Error() string { return fmt.Sprintf("deserialize: %v", e.Err) }
func (e *DeserializeError) Unwrap() error { return e.Err }

// GatewayNonFatalError means a recoverable gateway error. Policy: log and
// keep listening.
type GatewayNonFatalError struct {
	Err error
}

func (e *GatewayNonFatalError) Error() string { return fmt.Sprintf("gateway (non-fatal): %v", e.Err) }
func (e *GatewayNonFatalError) Unwrap() error { return e.Err }

// GatewayFatalError means the gateway session is no longer usable. Policy:
// emit GatewayClosed and let the Manager restart the bot.
type GatewayFatalError struct {
	Err error
}

func (e *GatewayFatalError) Error() string { return fmt.Sprintf("gateway (fatal): %v", e.Err) }
func (e *GatewayFatalError) Unwrap() error { return e.Err }

// ParserInvalidCommandError means a recognized command had malformed
// arguments (e.g. an !s substitution with an unknown flag). Policy: react
// ⁉️ on the command message.
type ParserInvalidCommandError struct {
	Reason string
}

func (e *ParserInvalidCommandError) Error() string { return "invalid command: " + e.Reason }

// ParserUnknownCommandError means the first word after "!" was not
// recognized. Policy: react ⁉️ on the command message.
type ParserUnknownCommandError struct {
	Word string
}

func (e *ParserUnknownCommandError) Error() string { return "unknown command: " + e.Word }
