package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

type ErrorType string

const (
	TypeConfig      ErrorType = "Configuration" // Unknown component, bad option, invalid job definition
	TypeDump        ErrorType = "DatabaseDump"  // Dump tool failed or produced nothing
	TypePackaging   ErrorType = "Packaging"     // Tar assembly or chunk split failed
	TypeCompression ErrorType = "Compression"
	TypeEncryption  ErrorType = "Encryption"
	TypeStorage     ErrorType = "StorageTransfer" // One or more destinations rejected the package
	TypeRetention   ErrorType = "Retention"       // Pruning old packages failed (downgrades to warning)
	TypeNotifier    ErrorType = "Notifier"        // Always swallowed
	TypeFault       ErrorType = "UnhandledFault"  // Panic or unclassified failure escaping a stage

	TypeDependency ErrorType = "Dependency" // Missing native tool (e.g. pg_dump)
	TypeConnection ErrorType = "Connection" // Network issue
	TypeAuth       ErrorType = "Auth"       // Basic auth, SSH keys, TLS certs
	TypeIntegrity  ErrorType = "Integrity"  // Checksum mismatch, corrupt header
	TypeSecurity   ErrorType = "Security"   // Missing key, weak passphrase
	TypeResource   ErrorType = "Resource"   // Permission denied, out of space, file not found
	TypeInternal   ErrorType = "Internal"   // Unexpected internal failure
)

// AppError is a rich error type that carries a category, the pipeline stage
// it happened in and hints for users.
type AppError struct {
	Type    ErrorType
	Stage   string
	Message string
	Err     error
	Hint    string
	// Output holds diagnostic text captured from an external tool.
	Output string
}

func (e *AppError) Error() string {
	msg := e.Message
	if e.Stage != "" {
		msg = e.Stage + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError
func New(t ErrorType, msg string, hint string) *AppError {
	return &AppError{
		Type:    t,
		Message: msg,
		Hint:    hint,
	}
}

// Wrap wraps an existing error into an AppError
func Wrap(err error, t ErrorType, msg string, hint string) *AppError {
	return &AppError{
		Type:    t,
		Message: msg,
		Err:     err,
		Hint:    hint,
	}
}

// InStage returns a copy of e attributed to the given pipeline stage.
func (e *AppError) InStage(stage string) *AppError {
	cp := *e
	cp.Stage = stage
	return &cp
}

// WithOutput attaches captured tool output.
func (e *AppError) WithOutput(out string) *AppError {
	e.Output = strings.TrimSpace(out)
	return e
}

// IsType reports whether any AppError in err's chain has type t.
func IsType(err error, t ErrorType) bool {
	for err != nil {
		var app *AppError
		if !errors.As(err, &app) {
			return false
		}
		if app.Type == t {
			return true
		}
		err = app.Err
	}
	return false
}

// TypeOf returns the type of the outermost AppError in err's chain, or
// TypeFault when err carries none.
func TypeOf(err error) ErrorType {
	var app *AppError
	if errors.As(err, &app) {
		return app.Type
	}
	return TypeFault
}

// StageOf returns the first stage recorded in err's chain.
func StageOf(err error) string {
	for err != nil {
		var app *AppError
		if !errors.As(err, &app) {
			return ""
		}
		if app.Stage != "" {
			return app.Stage
		}
		err = app.Err
	}
	return ""
}

// Diagnostic renders err for humans: the message chain, then any hint and
// captured tool output found along the chain.
func Diagnostic(err error) string {
	if err == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(err.Error())

	for cur := err; cur != nil; {
		var app *AppError
		if !errors.As(cur, &app) {
			break
		}
		if app.Hint != "" {
			fmt.Fprintf(&b, "\nhint: %s", app.Hint)
		}
		if app.Output != "" {
			fmt.Fprintf(&b, "\noutput:\n%s", app.Output)
		}
		cur = app.Err
	}
	return b.String()
}

var (
	ErrIntegrityMismatch = New(TypeIntegrity, "Integrity failure", "The package may be corrupt or tampered with. Verify the source integrity.")
)
