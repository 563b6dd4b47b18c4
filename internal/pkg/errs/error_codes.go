/*
Package errs provides custom error types and application-level error code constants.

These error codes identify specific relay or request errors both inside the server
and in the frames and HTTP responses sent to clients.
*/
package errs

// 1xxx: General Request Handling Errors
const (
	// ErrInvalidParams indicates that request parameter validation failed.
	ErrInvalidParams = 1001

	// ErrUnsupportedMediaType indicates that the request header Content-Type is not supported.
	ErrUnsupportedMediaType = 1002

	// ErrInvalidJSONFormat indicates that the request body JSON format is incorrect (e.g., syntax error).
	ErrInvalidJSONFormat = 1003

	// ErrExtraContentInBody indicates that the request body contained extra content after valid JSON data.
	ErrExtraContentInBody = 1004

	// ErrRateLimitExceeded indicates that the request or event rate has exceeded the configured limit.
	ErrRateLimitExceeded = 1007
)

// 2xxx: Relay Event Errors
const (
	// ErrMalformedEvent indicates that an inbound event payload did not have the expected shape.
	ErrMalformedEvent = 2101

	// ErrUnknownEvent indicates that an inbound frame carried an unrecognized event name.
	ErrUnknownEvent = 2102

	// ErrMissingRecipients indicates that a message payload had no chat.users to deliver to.
	ErrMissingRecipients = 2103

	// ErrConnectionNotRegistered indicates that an operation referenced an unknown connection handle.
	ErrConnectionNotRegistered = 2104
)

// 3xxx: Identity and Security Errors
const (
	// ErrUnauthorized indicates that a valid identity token is required but missing or invalid.
	ErrUnauthorized = 3001

	// ErrIdentityMismatch indicates that the asserted user id differs from the verified token id.
	ErrIdentityMismatch = 3002
)

// 5xxx: Internal System Errors
const (
	// ErrUnknown represents an unclassified, general server internal error.
	ErrUnknown = 5000
)
