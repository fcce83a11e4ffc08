package errors

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind represents the classified kind of a failure
type Kind string

const (
	// Retryable transport and availability kinds
	KindNetwork              Kind = "network"
	KindTimeout              Kind = "timeout"
	KindRateLimit            Kind = "rate_limit"
	KindServer               Kind = "server"
	KindTemporaryUnavailable Kind = "temporary_unavailable"
	KindConnectionReset      Kind = "connection_reset"

	// Non-retryable request kinds
	KindAuthentication   Kind = "authentication"
	KindAuthorization    Kind = "authorization"
	KindValidation       Kind = "validation"
	KindNotFound         Kind = "not_found"
	KindMalformedRequest Kind = "malformed_request"
	KindQuotaExceeded    Kind = "quota_exceeded"

	// System kinds
	KindDatabase          Kind = "database"
	KindConfiguration     Kind = "configuration"
	KindResourceExhausted Kind = "resource_exhausted"
	KindFileSystem        Kind = "filesystem"
	KindMemory            Kind = "memory"

	// Business-logic kinds
	KindTaskProcessing   Kind = "task_processing"
	KindWorkflow         Kind = "workflow"
	KindValidationFailed Kind = "validation_failed"
	KindDependency       Kind = "dependency"

	KindUnknown Kind = "unknown"
)

// Severity represents how urgent a classified failure is
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Category groups kinds for routing and reporting
type Category string

const (
	CategoryInfrastructure  Category = "infrastructure"
	CategoryAuthentication  Category = "authentication"
	CategoryBusinessLogic   Category = "business_logic"
	CategoryExternalService Category = "external_service"
	CategoryUserInput       Category = "user_input"
	CategorySystemResource  Category = "system_resource"
)

// Retryable reports whether failures of this kind are safe to retry by default
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindRateLimit, KindServer,
		KindTemporaryUnavailable, KindConnectionReset:
		return true
	default:
		return false
	}
}

// SeverityFor derives the severity for a kind
func SeverityFor(k Kind) Severity {
	switch k {
	case KindResourceExhausted, KindDatabase, KindConfiguration:
		return SeverityCritical
	case KindAuthentication, KindAuthorization, KindQuotaExceeded:
		return SeverityHigh
	case KindRateLimit, KindTimeout, KindServer:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// CategoryFor derives the category for a kind
func CategoryFor(k Kind) Category {
	switch k {
	case KindNetwork, KindTimeout, KindConnectionReset, KindTemporaryUnavailable,
		KindDatabase, KindConfiguration:
		return CategoryInfrastructure
	case KindAuthentication, KindAuthorization:
		return CategoryAuthentication
	case KindTaskProcessing, KindWorkflow, KindValidationFailed, KindDependency:
		return CategoryBusinessLogic
	case KindServer, KindRateLimit, KindQuotaExceeded:
		return CategoryExternalService
	case KindValidation, KindMalformedRequest, KindNotFound:
		return CategoryUserInput
	case KindResourceExhausted, KindMemory, KindFileSystem:
		return CategorySystemResource
	default:
		return CategoryExternalService
	}
}

// Record is an immutable classified failure
type Record struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	Kind       Kind              `json:"kind"`
	Severity   Severity          `json:"severity"`
	Category   Category          `json:"category"`
	Component  string            `json:"component,omitempty"`
	Retryable  bool              `json:"retryable"`
	Message    string            `json:"message"`
	RetryAfter time.Duration     `json:"retry_after,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Cause      error             `json:"-"`
}

// Error implements the error interface
func (r *Record) Error() string {
	if r.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", r.Kind, r.Message, r.Cause)
	}
	return fmt.Sprintf("%s: %s", r.Kind, r.Message)
}

// Unwrap returns the underlying cause
func (r *Record) Unwrap() error {
	return r.Cause
}

// New creates a classified record with derived severity, category, and retryability
func New(kind Kind, message string) *Record {
	return &Record{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		Kind:      kind,
		Severity:  SeverityFor(kind),
		Category:  CategoryFor(kind),
		Retryable: kind.Retryable(),
		Message:   message,
		Metadata:  make(map[string]string),
	}
}

// WithCause attaches the raw failure that produced this record
func (r *Record) WithCause(cause error) *Record {
	r.Cause = cause
	return r
}

// WithComponent records the component the failure originated from
func (r *Record) WithComponent(component string) *Record {
	r.Component = component
	return r
}

// WithDetail adds a metadata entry
func (r *Record) WithDetail(key, value string) *Record {
	if r.Metadata == nil {
		r.Metadata = make(map[string]string)
	}
	r.Metadata[key] = value
	return r
}

// WithRetryAfter records an explicit retry-after hint
func (r *Record) WithRetryAfter(d time.Duration) *Record {
	r.RetryAfter = d
	return r
}

// AsTransient marks a normally non-retryable record as retryable.
// Used for transient database failures.
func (r *Record) AsTransient() *Record {
	r.Retryable = true
	return r.WithDetail("transient", "true")
}

// Common constructors

func NewNetworkError(message string) *Record {
	return New(KindNetwork, message)
}

func NewTimeoutError(operation string) *Record {
	return New(KindTimeout, fmt.Sprintf("%s timed out", operation))
}

func NewRateLimitError(message string, retryAfter time.Duration) *Record {
	return New(KindRateLimit, message).WithRetryAfter(retryAfter)
}

func NewServerError(message string) *Record {
	return New(KindServer, message)
}

func NewTemporaryUnavailableError(service string) *Record {
	return New(KindTemporaryUnavailable, fmt.Sprintf("%s is temporarily unavailable", service))
}

func NewAuthenticationError(message string) *Record {
	return New(KindAuthentication, message)
}

func NewAuthorizationError(message string) *Record {
	return New(KindAuthorization, message)
}

func NewValidationError(message string) *Record {
	return New(KindValidation, message)
}

func NewNotFoundError(resource string) *Record {
	return New(KindNotFound, fmt.Sprintf("%s not found", resource))
}

func NewQuotaExceededError(message string) *Record {
	return New(KindQuotaExceeded, message)
}

func NewDatabaseError(message string) *Record {
	return New(KindDatabase, message)
}

func NewConfigurationError(message string) *Record {
	return New(KindConfiguration, message)
}

func NewResourceExhaustedError(resource string) *Record {
	return New(KindResourceExhausted, fmt.Sprintf("%s exhausted", resource))
}

func NewTaskProcessingError(message string) *Record {
	return New(KindTaskProcessing, message)
}

func NewWorkflowError(message string) *Record {
	return New(KindWorkflow, message)
}

func NewDependencyError(dependency, message string) *Record {
	return New(KindDependency, message).WithDetail("dependency", dependency)
}

// IsKind checks if the error is a record of a specific kind
func IsKind(err error, kind Kind) bool {
	if rec, ok := err.(*Record); ok {
		return rec.Kind == kind
	}
	return false
}

// GetKind returns the kind if the error is a classified record
func GetKind(err error) Kind {
	if rec, ok := err.(*Record); ok {
		return rec.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether a classified error is retryable.
// Unclassified errors are classified first.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if rec, ok := err.(*Record); ok {
		return rec.Retryable
	}
	return Classify(err).Retryable
}
