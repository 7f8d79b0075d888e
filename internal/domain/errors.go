package domain

// ErrorKind classifies why a deployment failed.
type ErrorKind string

const (
	KindInvalidRequest   ErrorKind = "InvalidRequest"
	KindCapacityExceeded ErrorKind = "CapacityExceeded"
	KindFetchTimeout     ErrorKind = "FetchTimeout"
	KindFetchNotFound    ErrorKind = "FetchNotFound"
	KindFetchIOError     ErrorKind = "FetchIOError"
	KindLoadTimeout      ErrorKind = "LoadTimeout"
	KindLoadError        ErrorKind = "LoadError"
	KindNoPortAvailable  ErrorKind = "NoPortAvailable"
	KindSpawnError       ErrorKind = "SpawnError"
	KindStartupTimeout   ErrorKind = "StartupTimeout"
	KindWorkerCrashed    ErrorKind = "WorkerCrashed"
	KindWorkerUnhealthy  ErrorKind = "WorkerUnhealthy"
	KindOrphaned         ErrorKind = "Orphaned"
)

// Category tells a caller what to do about a failure.
type Category string

const (
	CategoryRetryLater Category = "retry_later"
	CategoryFixRequest Category = "fix_request"
	CategoryOperator   Category = "operator"
)

// Category maps a kind onto its user-facing category. Unknown kinds need an operator.
func (k ErrorKind) Category() Category {
	switch k {
	case KindInvalidRequest, KindFetchNotFound, KindLoadError:
		return CategoryFixRequest
	case KindCapacityExceeded, KindFetchTimeout, KindFetchIOError, KindLoadTimeout,
		KindNoPortAvailable, KindStartupTimeout:
		return CategoryRetryLater
	default:
		return CategoryOperator
	}
}

// ErrorDetail is attached to a record in the Failed state.
type ErrorDetail struct {
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
	Category Category  `json:"category"`
}

// NewErrorDetail builds an ErrorDetail with the category derived from kind.
func NewErrorDetail(kind ErrorKind, msg string) *ErrorDetail {
	return &ErrorDetail{Kind: kind, Message: msg, Category: kind.Category()}
}
