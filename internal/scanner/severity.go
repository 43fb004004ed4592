package scanner

// Severity classifies one probe result.
type Severity string

const (
	SeverityOK   Severity = "ok"
	SeverityWarn Severity = "warn"
	SeverityErr  Severity = "err"
)

// Classify maps an HTTP status code to a severity. Code 0 means the origin
// was unreachable; that is treated as transient, not fatal.
//
//	2xx        ok
//	308        ok (canonical redirect kept explicitly OK)
//	3xx        warn (non-308)
//	4xx        warn
//	5xx        err
//	0 / other  warn
func Classify(statusCode int) Severity {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return SeverityOK
	case statusCode == 308:
		return SeverityOK
	case statusCode >= 300 && statusCode < 500:
		return SeverityWarn
	case statusCode >= 500 && statusCode < 600:
		return SeverityErr
	default:
		return SeverityWarn
	}
}
