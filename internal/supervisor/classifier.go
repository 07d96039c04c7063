package supervisor

import "strings"

// ErrorClass is the closed taxonomy of transcoder failures. The empty value means none.
type ErrorClass string

const (
	ClassNone           ErrorClass = ""
	ClassConnection     ErrorClass = "connection"
	ClassProtocol       ErrorClass = "protocol"
	ClassFileAccess     ErrorClass = "file"
	ClassAuth           ErrorClass = "auth"
	ClassNotFound       ErrorClass = "notfound"
	ClassRuntimeFailure ErrorClass = "runtime"
	ClassUnknown        ErrorClass = "unknown"
)

type signature struct {
	needles []string
	class   ErrorClass
}

// Order matters: the first matching row wins. Auth and not-found come first
// because the transcoder follows them with generic "Invalid data found" lines.
var signatures = []signature{
	{needles: []string{"401 Unauthorized"}, class: ClassAuth},
	{needles: []string{"404 Not Found"}, class: ClassNotFound},
	{needles: []string{"Connection refused", "Connection timed out"}, class: ClassConnection},
	{needles: []string{"Invalid data found", "Protocol not found"}, class: ClassProtocol},
	{needles: []string{"No such file or directory"}, class: ClassFileAccess},
}

// Phrases printed once the input is open and stream mapping has begun.
var startupMarkers = []string{
	"Opening",
	"Stream mapping",
	"Press [q] to stop",
}

var guidance = map[ErrorClass]string{
	ClassConnection:     "RTSP server is unreachable, check the URL and network connection",
	ClassProtocol:       "RTSP URL is invalid or the protocol is not supported",
	ClassFileAccess:     "Output directory is not accessible",
	ClassAuth:           "RTSP authentication failed, check username and password",
	ClassNotFound:       "RTSP stream does not exist, check the URL path",
	ClassRuntimeFailure: "The stream stopped unexpectedly while running",
	ClassUnknown:        "The stream failed to start, check the RTSP URL and network connection",
}

// Classify scans diagnostic text for known failure signatures.
// It is pure: the same text always yields the same class.
func Classify(text string) ErrorClass {
	for _, sig := range signatures {
		for _, n := range sig.needles {
			if strings.Contains(text, n) {
				return sig.class
			}
		}
	}
	return ClassNone
}

// IsStartupMarker reports whether text shows the transcoder began processing.
func IsStartupMarker(text string) bool {
	for _, m := range startupMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// Guidance returns the user-facing explanation of a class.
func Guidance(c ErrorClass) string {
	return guidance[c]
}
