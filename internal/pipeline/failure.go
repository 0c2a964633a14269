package pipeline

type Code string

const (
	CodeRewriteExhausted  Code = "REWRITE_EXHAUSTED"
	CodeExecutionFailed   Code = "EXECUTION_FAILED"
	CodeSchemaUnavailable Code = "SCHEMA_UNAVAILABLE"
	CodeDraftFailed       Code = "DRAFT_FAILED"
	CodeTimeout           Code = "TIMEOUT"
	CodeCancelled         Code = "CANCELLED"
)

// Failure is the user-facing error of a run. Message is safe to show; the
// underlying cause is kept for logs and errors.Is/As only.
type Failure struct {
	Code    Code
	Message string
	cause   error
}

func (f *Failure) Error() string {
	return string(f.Code) + ": " + f.Message
}

func (f *Failure) Unwrap() error {
	return f.cause
}

func fail(code Code, message string, cause error) *Failure {
	return &Failure{Code: code, Message: message, cause: cause}
}
