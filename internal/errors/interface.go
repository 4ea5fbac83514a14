package errors

// ErrorCode identifies a failure independently of its message. Codes are
// stable and appear in logs as error_code.
type ErrorCode string

// Coder is implemented by any error that carries an ErrorCode.
type Coder interface {
	Code() ErrorCode
}

// Error is a coded error with optional data, such as the path or command
// that failed.
type Error interface {
	error
	Coder
	WithMessage(msg string) Error
	WithData(data any) Error
	GetData() any
	Unwrap() error
}

// Factory builds coded errors. Packages create one per call site with New.
type Factory interface {
	New(code ErrorCode) Error
	Wrap(code ErrorCode, err error) Error
	WithMessage(code ErrorCode, msg string) Error
	WithData(code ErrorCode, data any) Error
}
