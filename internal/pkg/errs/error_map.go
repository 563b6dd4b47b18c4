/*
Package errs provides custom error types and application-level error code constants.

This file defines the map from error codes to the CustomError struct, used to standardize
HTTP responses, error frames and internal error handling.
*/
package errs

import "net/http"

// errorMap stores the detailed CustomError corresponding to every application error code.
var errorMap = map[int]CustomError{
	// 1xxx: General Request Handling Errors
	ErrInvalidParams:        {Code: ErrInvalidParams, Message: "Invalid request parameters.", Status: http.StatusBadRequest},
	ErrUnsupportedMediaType: {Code: ErrUnsupportedMediaType, Message: "Unsupported request format.", Status: http.StatusUnsupportedMediaType},
	ErrInvalidJSONFormat:    {Code: ErrInvalidJSONFormat, Message: "Unsupported request format.", Status: http.StatusBadRequest},
	ErrExtraContentInBody:   {Code: ErrExtraContentInBody, Message: "Request contains unexpected data.", Status: http.StatusBadRequest},
	ErrRateLimitExceeded:    {Code: ErrRateLimitExceeded, Message: "Too many requests. Please try again later.", Status: http.StatusTooManyRequests},

	// 2xxx: Relay Event Errors
	ErrMalformedEvent:          {Code: ErrMalformedEvent, Message: "Malformed %s event.", Status: http.StatusBadRequest},
	ErrUnknownEvent:            {Code: ErrUnknownEvent, Message: "Unknown event %q.", Status: http.StatusBadRequest},
	ErrMissingRecipients:       {Code: ErrMissingRecipients, Message: "Message has no chat users.", Status: http.StatusBadRequest},
	ErrConnectionNotRegistered: {Code: ErrConnectionNotRegistered, Message: "Connection is not registered."},

	// 3xxx: Identity and Security Errors
	ErrUnauthorized:     {Code: ErrUnauthorized, Message: "Please sign in to continue.", Status: http.StatusUnauthorized},
	ErrIdentityMismatch: {Code: ErrIdentityMismatch, Message: "User does not match the signed-in identity.", Status: http.StatusForbidden},

	// 5xxx: Internal System Errors
	ErrUnknown: {Code: ErrUnknown, Message: "Something went wrong. Please try again.", Status: http.StatusInternalServerError},
}
