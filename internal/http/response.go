package http

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Reason classifies a failed request so clients can branch without parsing
// the message.
type Reason string

const (
	ReasonBadRequest  Reason = "bad_request"
	ReasonNotFound    Reason = "not_found"
	ReasonUnavailable Reason = "unavailable"
	ReasonMergeFailed Reason = "merge_failed"
	ReasonTimeout     Reason = "timeout"
	ReasonInternal    Reason = "internal"
)

// Response is the body of every API reply. Value is only meaningful on a
// successful read and may legitimately be empty.
type Response struct {
	Status Status `json:"status,omitempty"`
	Key    string `json:"key,omitempty"`
	Value  string `json:"value"`
	Reason Reason `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewValueResponse(key, value string) Response {
	return Response{Status: StatusSuccess, Key: key, Value: value}
}

func NewErrorResponse(reason Reason, msg string) Response {
	return Response{Status: StatusError, Reason: reason, Error: msg}
}
