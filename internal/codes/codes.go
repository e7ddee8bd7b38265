package codes

// Exit codes reserved for failures of the wrapper itself. Anything else
// is the analyzer's own exit code, forwarded unchanged.
const (
	Success          = 0
	Usage            = 120
	ContextNotFound  = 121
	InputUnavailable = 122
	OutputMissing    = 123
	LaunchFailure    = 124
	EngineFailure    = 125
	Internal         = 126
)

// ErrorCodes maps the reserved wrapper exit codes to their descriptions
var ErrorCodes = map[int]string{
	Success:          "Success",
	Usage:            "Invalid command line",
	ContextNotFound:  "No compile command for the target file",
	InputUnavailable: "A fingerprint input could not be read",
	OutputMissing:    "The analyzer did not produce the requested output file",
	LaunchFailure:    "The analyzer or cache engine could not be launched",
	EngineFailure:    "The cache engine failed",
	Internal:         "Internal error",
}

// IsReserved returns true if the exit code belongs to the wrapper rather than the analyzer
func IsReserved(code int) bool {
	return code >= Usage && code <= Internal
}

// GetErrorMessage returns the message for a reserved exit code, or a generic message if unknown
func GetErrorMessage(code int) string {
	if msg, ok := ErrorCodes[code]; ok {
		return msg
	}

	return "Analyzer exit code"
}
