// Package apperrors defines the application error taxonomy. Every error
// carries a stable wire code, a human message, and structured details; the
// HTTP layer maps them onto the standard error envelope.
package apperrors

import (
	"fmt"
	"strings"
)

// Stable wire codes surfaced in the error envelope.
const (
	CodeValidationFailed        = "VALIDATION_FAILED"
	CodeAuthenticationRequired  = "AUTHENTICATION_REQUIRED"
	CodeInsufficientPermissions = "INSUFFICIENT_PERMISSIONS"
	CodeResourceNotFound        = "RESOURCE_NOT_FOUND"
	CodeResourceConflict        = "RESOURCE_CONFLICT"
	CodeRateLimitExceeded       = "RATE_LIMIT_EXCEEDED"
	CodeInternalServerError     = "INTERNAL_SERVER_ERROR"
	CodePluginNotFound          = "PLUGIN_NOT_FOUND"
	CodePluginValidationFailed  = "PLUGIN_VALIDATION_FAILED"
	CodePluginUploadFailed      = "PLUGIN_UPLOAD_FAILED"
	CodePluginSecurityViolation = "PLUGIN_SECURITY_VIOLATION"
	CodeInsufficientTrustLevel  = "INSUFFICIENT_TRUST_LEVEL"
	CodeCapabilityDenied        = "CAPABILITY_DENIED"
	CodePluginConflict          = "PLUGIN_CONFLICT"
	CodeOperationTimeout        = "OPERATION_TIMEOUT"
	CodeStorageOperationFailed  = "STORAGE_OPERATION_FAILED"
	CodeDatabaseOperationFailed = "DATABASE_OPERATION_FAILED"
	CodeConfigurationError      = "CONFIGURATION_ERROR"
)

// Coded is implemented by every application error.
type Coded interface {
	error
	Code() string
	Details() map[string]any
}

// ValidationError indicates manifest, archive, or request validation failed.
type ValidationError struct {
	Message string
	Errs    []string
	Warns   []string
	code    string
}

func (e *ValidationError) Error() string {
	if len(e.Errs) == 0 {
		return fmt.Sprintf("validation failed: %s", e.Message)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Message, strings.Join(e.Errs, "; "))
}

func (e *ValidationError) Code() string {
	if e.code != "" {
		return e.code
	}
	return CodeValidationFailed
}

func (e *ValidationError) Details() map[string]any {
	return map[string]any{"errors": e.Errs, "warnings": e.Warns}
}

// NewValidationError creates a request-level validation error.
func NewValidationError(message string, errs ...string) *ValidationError {
	return &ValidationError{Message: message, Errs: errs}
}

// NewPluginValidationError creates a plugin bundle validation error.
func NewPluginValidationError(message string, errs ...string) *ValidationError {
	return &ValidationError{Message: message, Errs: errs, code: CodePluginValidationFailed}
}

// NewUploadError creates an upload-level failure, such as an oversized
// bundle.
func NewUploadError(message string, errs ...string) *ValidationError {
	return &ValidationError{Message: message, Errs: errs, code: CodePluginUploadFailed}
}

// SecurityError indicates a signature failure, unsafe import, or trust
// policy violation. These are recorded in the violation ledger.
type SecurityError struct {
	Message    string
	PluginName string
	Violations []string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("security violation for plugin %s: %s", e.PluginName, e.Message)
}

func (e *SecurityError) Code() string { return CodePluginSecurityViolation }

func (e *SecurityError) Details() map[string]any {
	return map[string]any{"plugin": e.PluginName, "violations": e.Violations}
}

// NewSecurityError creates a security error.
func NewSecurityError(pluginName, message string, violations ...string) *SecurityError {
	return &SecurityError{PluginName: pluginName, Message: message, Violations: violations}
}

// TrustError indicates insufficient trust level or a denied capability.
type TrustError struct {
	Message            string
	Capability         string
	RequiredTrustLevel string
	code               string
}

func (e *TrustError) Error() string {
	return fmt.Sprintf("trust error: %s", e.Message)
}

func (e *TrustError) Code() string {
	if e.code != "" {
		return e.code
	}
	return CodeInsufficientTrustLevel
}

func (e *TrustError) Details() map[string]any {
	d := map[string]any{}
	if e.Capability != "" {
		d["capability"] = e.Capability
	}
	if e.RequiredTrustLevel != "" {
		d["requiredTrustLevel"] = e.RequiredTrustLevel
	}
	return d
}

// NewTrustLevelError creates an insufficient-trust-level error.
func NewTrustLevelError(message, requiredLevel string) *TrustError {
	return &TrustError{Message: message, RequiredTrustLevel: requiredLevel}
}

// NewCapabilityDeniedError creates a capability-denied error.
func NewCapabilityDeniedError(message, capability string) *TrustError {
	return &TrustError{Message: message, Capability: capability, code: CodeCapabilityDenied}
}

// ConflictError indicates a duplicate (name, version) or an incompatible
// version transition.
type ConflictError struct {
	Message string
	Name    string
	Version string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: %s", e.Message)
}

func (e *ConflictError) Code() string { return CodePluginConflict }

func (e *ConflictError) Details() map[string]any {
	return map[string]any{"name": e.Name, "version": e.Version}
}

// NewConflictError creates a conflict error.
func NewConflictError(name, version, message string) *ConflictError {
	return &ConflictError{Name: name, Version: version, Message: message}
}

// NotFoundError indicates a missing plugin or resource.
type NotFoundError struct {
	Resource string
	Name     string
	code     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.Name)
}

func (e *NotFoundError) Code() string {
	if e.code != "" {
		return e.code
	}
	return CodeResourceNotFound
}

func (e *NotFoundError) Details() map[string]any {
	return map[string]any{"resource": e.Resource, "name": e.Name}
}

// NewPluginNotFoundError creates a plugin-not-found error.
func NewPluginNotFoundError(name string) *NotFoundError {
	return &NotFoundError{Resource: "plugin", Name: name, code: CodePluginNotFound}
}

// NewNotFoundError creates a generic not-found error.
func NewNotFoundError(resource, name string) *NotFoundError {
	return &NotFoundError{Resource: resource, Name: name}
}

// StorageError indicates a blob or repository I/O failure.
type StorageError struct {
	Op      string
	Message string
	Cause   error
	code    string
}

func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("storage operation %s failed: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("storage operation %s failed: %s", e.Op, e.Message)
}

func (e *StorageError) Unwrap() error { return e.Cause }

func (e *StorageError) Code() string {
	if e.code != "" {
		return e.code
	}
	return CodeStorageOperationFailed
}

func (e *StorageError) Details() map[string]any {
	return map[string]any{"operation": e.Op}
}

// NewStorageError creates a blob storage error.
func NewStorageError(op, message string, cause error) *StorageError {
	return &StorageError{Op: op, Message: message, Cause: cause}
}

// NewDatabaseError creates a repository storage error.
func NewDatabaseError(op, message string, cause error) *StorageError {
	return &StorageError{Op: op, Message: message, Cause: cause, code: CodeDatabaseOperationFailed}
}

// TimeoutError indicates an operation exceeded its deadline.
type TimeoutError struct {
	Op      string
	Message string
	Pending []string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation %s timed out: %s", e.Op, e.Message)
}

func (e *TimeoutError) Code() string { return CodeOperationTimeout }

func (e *TimeoutError) Details() map[string]any {
	d := map[string]any{"operation": e.Op}
	if len(e.Pending) > 0 {
		d["pending"] = e.Pending
	}
	return d
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(op, message string, pending ...string) *TimeoutError {
	return &TimeoutError{Op: op, Message: message, Pending: pending}
}

// ConfigurationError indicates invalid environment or startup configuration.
// Fatal at startup.
type ConfigurationError struct {
	Aspect  string
	Message string
	Cause   error
}

func (e *ConfigurationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("configuration error (%s): %s: %v", e.Aspect, e.Message, e.Cause)
	}
	return fmt.Sprintf("configuration error (%s): %s", e.Aspect, e.Message)
}

func (e *ConfigurationError) Unwrap() error { return e.Cause }

func (e *ConfigurationError) Code() string { return CodeConfigurationError }

func (e *ConfigurationError) Details() map[string]any {
	return map[string]any{"aspect": e.Aspect}
}

// NewConfigurationError creates a configuration error.
func NewConfigurationError(aspect, message string, cause error) *ConfigurationError {
	return &ConfigurationError{Aspect: aspect, Message: message, Cause: cause}
}
