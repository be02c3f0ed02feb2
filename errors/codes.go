package errors

// ErrorCode là mã lỗi machine-readable trả về cho client
type ErrorCode int

const (
	ErrorCode_HTTP_OK ErrorCode = 200

	// General
	ErrorCode_INTERNAL          ErrorCode = 1000
	ErrorCode_INVALID_ARGUMENT  ErrorCode = 1001
	ErrorCode_NOT_FOUND         ErrorCode = 1002
	ErrorCode_ALREADY_EXISTS    ErrorCode = 1003
	ErrorCode_PERMISSION_DENIED ErrorCode = 1004
	ErrorCode_UNAUTHENTICATED   ErrorCode = 1005
	ErrorCode_INVALID_PAYLOAD   ErrorCode = 1006

	// Auth
	ErrorCode_AUTH_INVALID_TOKEN ErrorCode = 2000
	ErrorCode_AUTH_TOKEN_EXPIRED ErrorCode = 2001

	// Session
	ErrorCode_SESSION_NOT_FOUND  ErrorCode = 3000
	ErrorCode_SESSION_FROZEN     ErrorCode = 3001
	ErrorCode_SESSION_FINALIZING ErrorCode = 3002
	ErrorCode_FINALIZE_FAILED    ErrorCode = 3003
	ErrorCode_RESULT_NOT_READY   ErrorCode = 3004

	// Ingest protocol
	ErrorCode_PROTOCOL_VIOLATION ErrorCode = 4000
	ErrorCode_UNKNOWN_FRAME      ErrorCode = 4001
	ErrorCode_INVALID_CHUNK      ErrorCode = 4002
	ErrorCode_HELLO_REQUIRED     ErrorCode = 4003

	// Integration
	ErrorCode_DEPENDENCY_FAILED           ErrorCode = 5000
	ErrorCode_INTEGRATION_STORAGE_FAILED  ErrorCode = 5001
	ErrorCode_INTEGRATION_CACHE_FAILED    ErrorCode = 5002
	ErrorCode_INTEGRATION_EXTERNAL_FAILED ErrorCode = 5003
	ErrorCode_EMBEDDING_CACHE_FULL        ErrorCode = 5004

	// Database
	ErrorCode_DB_CONNECTION_FAILED ErrorCode = 6000
	ErrorCode_DB_QUERY_FAILED      ErrorCode = 6001
)

var codeNames = map[ErrorCode]string{
	ErrorCode_HTTP_OK:                     "OK",
	ErrorCode_INTERNAL:                    "INTERNAL",
	ErrorCode_INVALID_ARGUMENT:            "INVALID_ARGUMENT",
	ErrorCode_NOT_FOUND:                   "NOT_FOUND",
	ErrorCode_ALREADY_EXISTS:              "ALREADY_EXISTS",
	ErrorCode_PERMISSION_DENIED:           "PERMISSION_DENIED",
	ErrorCode_UNAUTHENTICATED:             "UNAUTHENTICATED",
	ErrorCode_INVALID_PAYLOAD:             "INVALID_PAYLOAD",
	ErrorCode_AUTH_INVALID_TOKEN:          "AUTH_INVALID_TOKEN",
	ErrorCode_AUTH_TOKEN_EXPIRED:          "AUTH_TOKEN_EXPIRED",
	ErrorCode_SESSION_NOT_FOUND:           "SESSION_NOT_FOUND",
	ErrorCode_SESSION_FROZEN:              "SESSION_FROZEN",
	ErrorCode_SESSION_FINALIZING:          "SESSION_FINALIZING",
	ErrorCode_FINALIZE_FAILED:             "FINALIZE_FAILED",
	ErrorCode_RESULT_NOT_READY:            "RESULT_NOT_READY",
	ErrorCode_PROTOCOL_VIOLATION:          "PROTOCOL_VIOLATION",
	ErrorCode_UNKNOWN_FRAME:               "UNKNOWN_FRAME",
	ErrorCode_INVALID_CHUNK:               "INVALID_CHUNK",
	ErrorCode_HELLO_REQUIRED:              "HELLO_REQUIRED",
	ErrorCode_DEPENDENCY_FAILED:           "DEPENDENCY_FAILED",
	ErrorCode_INTEGRATION_STORAGE_FAILED:  "STORAGE_FAILED",
	ErrorCode_INTEGRATION_CACHE_FAILED:    "CACHE_FAILED",
	ErrorCode_INTEGRATION_EXTERNAL_FAILED: "EXTERNAL_API_FAILED",
	ErrorCode_EMBEDDING_CACHE_FULL:        "EMBEDDING_CACHE_FULL",
	ErrorCode_DB_CONNECTION_FAILED:        "DB_CONNECTION_FAILED",
	ErrorCode_DB_QUERY_FAILED:             "DB_QUERY_FAILED",
}

// String trả về tên của mã lỗi
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// MarshalText lets error codes serialize as their names in JSON bodies
func (c ErrorCode) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}
