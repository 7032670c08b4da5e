// Package errors provides structured error handling for GateKey.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Ceremony errors
	CodeChallengeMissing        Code = "CHALLENGE_MISSING"
	CodeVerificationFailed      Code = "VERIFICATION_FAILED"
	CodeCredentialNotRegistered Code = "CREDENTIAL_NOT_REGISTERED"

	// Password credential errors
	CodeInvalidCredentials Code = "INVALID_CREDENTIALS"
	CodeEmailInUse         Code = "EMAIL_IN_USE"

	// Session errors
	CodeUnauthorized Code = "UNAUTHORIZED"

	// Identity errors
	CodeUserNotFound Code = "USER_NOT_FOUND"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeChallengeMissing,
		CodeVerificationFailed,
		CodeInvalidCredentials:
		return http.StatusBadRequest

	case CodeUnauthorized:
		return http.StatusUnauthorized

	case CodeCredentialNotRegistered,
		CodeUserNotFound,
		CodeNotFound:
		return http.StatusNotFound

	case CodeEmailInUse:
		return http.StatusConflict

	default:
		return http.StatusInternalServerError
	}
}
