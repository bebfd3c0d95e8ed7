package errors

import (
	"errors"
	"fmt"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrorTypeConfig        ErrorType = "config"
	ErrorTypeProvisioning  ErrorType = "provisioning"
	ErrorTypeConnectivity  ErrorType = "connectivity"
	ErrorTypeTransfer      ErrorType = "transfer"
	ErrorTypeRemoteCommand ErrorType = "remote_command"
	ErrorTypeSnapshot      ErrorType = "snapshot"
	ErrorTypeTermination   ErrorType = "termination"
	ErrorTypeInternal      ErrorType = "internal"
)

// Error represents a structured build error
type Error struct {
	Type    ErrorType
	Message string
	Code    string
	Details map[string]any
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// ExitCode returns the process exit code for the error. Remote command
// failures exit with the remote exit status.
func (e *Error) ExitCode() int {
	if e.Type == ErrorTypeRemoteCommand {
		if status, ok := e.Details["exit_status"].(int); ok && status > 0 && status < 256 {
			return status
		}
	}
	return 1
}

// Common error constructors

// NewConfigError creates a configuration error
func NewConfigError(message string, err error) *Error {
	return &Error{
		Type:    ErrorTypeConfig,
		Message: message,
		Code:    "CONFIG_ERROR",
		Err:     err,
	}
}

// NewProvisioningError creates an error for a build host that could not be
// launched or located
func NewProvisioningError(message string, err error) *Error {
	return &Error{
		Type:    ErrorTypeProvisioning,
		Message: message,
		Code:    "PROVISIONING_FAILED",
		Err:     err,
	}
}

// NewConnectivityError creates an error for a build host that could not be
// reached or authenticated against
func NewConnectivityError(message string, err error) *Error {
	return &Error{
		Type:    ErrorTypeConnectivity,
		Message: message,
		Code:    "CONNECTIVITY_FAILED",
		Err:     err,
	}
}

// NewTransferError creates an error for a failed build context upload
func NewTransferError(message string, err error) *Error {
	return &Error{
		Type:    ErrorTypeTransfer,
		Message: message,
		Code:    "TRANSFER_FAILED",
		Err:     err,
	}
}

// NewRemoteCommandError creates an error for a remote command that exited
// with a non-zero status
func NewRemoteCommandError(command string, exitStatus int, stderr string) *Error {
	return &Error{
		Type:    ErrorTypeRemoteCommand,
		Message: fmt.Sprintf("command %q returned a non-zero code: %d", command, exitStatus),
		Code:    "REMOTE_COMMAND_FAILED",
		Details: map[string]any{
			"command":     command,
			"exit_status": exitStatus,
			"stderr":      stderr,
		},
	}
}

// NewSnapshotError creates an error for a failed image capture
func NewSnapshotError(message string, err error) *Error {
	return &Error{
		Type:    ErrorTypeSnapshot,
		Message: message,
		Code:    "SNAPSHOT_FAILED",
		Err:     err,
	}
}

// NewTerminationError creates an error for a build host that could not be
// terminated
func NewTerminationError(instanceID string, err error) *Error {
	return &Error{
		Type:    ErrorTypeTermination,
		Message: fmt.Sprintf("failed to terminate instance %s", instanceID),
		Code:    "TERMINATION_FAILED",
		Details: map[string]any{"instance_id": instanceID},
		Err:     err,
	}
}

// NewInternalError creates an internal error
func NewInternalError(message string, err error) *Error {
	if message == "" {
		message = "An internal error occurred"
	}
	return &Error{
		Type:    ErrorTypeInternal,
		Message: message,
		Code:    "INTERNAL_ERROR",
		Err:     err,
	}
}

// TypeOf returns the type of the first *Error in err's chain, or
// ErrorTypeInternal
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeInternal
}

// Is reports whether err's chain contains an *Error of type t
func Is(err error, t ErrorType) bool {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Type == t {
			return true
		}
		err = e.Err
	}
	return false
}

// ExitCode returns the process exit code for err
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.ExitCode()
	}
	return 1
}
