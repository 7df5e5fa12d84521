// Package errors defines the typed errors surfaced by the API.
//
// Every user-visible failure carries a stable numeric code alongside a human
// readable message. The codes are part of the wire contract and must not be
// renumbered.
package errors

import (
	"errors"
	"fmt"
)

// Error codes surfaced to API clients.
const (
	CodeOtherCause          int32 = -1
	CodeInternalServerError int32 = 1

	CodeObjectNotFound      int32 = 101
	CodeInvalidQuery        int32 = 102
	CodeInvalidClassName    int32 = 103
	CodeMissingObjectID     int32 = 104
	CodeInvalidKeyName      int32 = 105
	CodeInvalidPointer      int32 = 106
	CodeInvalidJSON         int32 = 107
	CodeCommandUnavailable  int32 = 108
	CodeIncorrectType       int32 = 111
	CodeInvalidDeviceToken  int32 = 114
	CodePushMisconfigured   int32 = 115
	CodeOperationForbidden  int32 = 119
	CodeInvalidFileName     int32 = 122
	CodeInvalidACL          int32 = 123
	CodeInvalidEmailAddress int32 = 125
	CodeFileSaveError       int32 = 130
	CodeAmbiguousDevice     int32 = 132
	CodeMissingDeviceField  int32 = 135
	CodeImmutableDevice     int32 = 136
	CodeDuplicateValue      int32 = 137
	CodeInvalidRoleName     int32 = 139

	CodeUsernameMissing      int32 = 200
	CodePasswordMissing      int32 = 201
	CodeUsernameTaken        int32 = 202
	CodeEmailTaken           int32 = 203
	CodeSessionMissing       int32 = 206
	CodeAccountAlreadyLinked int32 = 208
	CodeInvalidSessionToken  int32 = 209

	CodeUnsupportedService int32 = 252
	CodeClassNotEmpty      int32 = 255
)

// APIError is an error with a stable numeric code. It is the only error type
// that crosses the API boundary.
type APIError struct {
	Code    int32
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

// Is reports code equality so callers can match errors with errors.Is against
// a sentinel built with New(code, "").
func (e *APIError) Is(target error) bool {
	var apiErr *APIError
	if errors.As(target, &apiErr) {
		return apiErr.Code == e.Code
	}
	return false
}

// New builds an APIError with the given code and message.
func New(code int32, message string) *APIError {
	return &APIError{Code: code, Message: message}
}

func Newf(code int32, format string, args ...any) *APIError {
	return &APIError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the numeric code from err, or CodeInternalServerError when
// err is not an APIError.
func CodeOf(err error) int32 {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return CodeInternalServerError
}

func ObjectNotFound() *APIError {
	return New(CodeObjectNotFound, "Object not found.")
}

func InvalidClassName(className string) *APIError {
	return Newf(CodeInvalidClassName, "invalid className: %s", className)
}

func InvalidKeyName(key string) *APIError {
	return Newf(CodeInvalidKeyName, "%s is an invalid field name.", key)
}

func InvalidDeviceToken(message string) *APIError {
	return New(CodeInvalidDeviceToken, message)
}

func AmbiguousDevice(message string) *APIError {
	return New(CodeAmbiguousDevice, message)
}

func MissingDeviceField(message string) *APIError {
	return New(CodeMissingDeviceField, message)
}

func ImmutableDevice(message string) *APIError {
	return New(CodeImmutableDevice, message)
}

func InvalidACL() *APIError {
	return New(CodeInvalidACL, "Invalid ACL.")
}

func OperationForbidden(message string) *APIError {
	return New(CodeOperationForbidden, message)
}

func InvalidSessionToken() *APIError {
	return New(CodeInvalidSessionToken, "Session token required.")
}

func SessionMissing(message string) *APIError {
	return New(CodeSessionMissing, message)
}

func UsernameMissing() *APIError {
	return New(CodeUsernameMissing, "bad or missing username")
}

func PasswordMissing() *APIError {
	return New(CodePasswordMissing, "password is required")
}

func UsernameTaken() *APIError {
	return New(CodeUsernameTaken, "Account already exists for this username")
}

func EmailTaken() *APIError {
	return New(CodeEmailTaken, "Account already exists for this email address")
}

func InvalidEmailAddress() *APIError {
	return New(CodeInvalidEmailAddress, "Email address format is invalid.")
}

func AccountAlreadyLinked() *APIError {
	return New(CodeAccountAlreadyLinked, "this auth is already used")
}

func UnsupportedService() *APIError {
	return New(CodeUnsupportedService, "This authentication method is unsupported.")
}

func InvalidRoleName() *APIError {
	return New(CodeInvalidRoleName, "Invalid role name.")
}

func InvalidFileName(name string) *APIError {
	return Newf(CodeInvalidFileName, "invalid file name: %s", name)
}

func FileSaveError(message string) *APIError {
	return New(CodeFileSaveError, message)
}

func PushMisconfigured(message string) *APIError {
	return New(CodePushMisconfigured, message)
}

func ClassNotEmpty(className string) *APIError {
	return Newf(CodeClassNotEmpty, "class %s is not empty and cannot be dropped", className)
}

func InternalServerError(message string) *APIError {
	if message == "" {
		message = "Internal server error."
	}
	return New(CodeInternalServerError, message)
}
