package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// Sentinel errors. Callers wrap them with %w so CategorizeError and errors.Is can
// see through any added context.
var (
	ErrRetryFailed          = errors.New("request failed after all retries")
	ErrClientHTTPError      = errors.New("client HTTP error (4xx)")
	ErrServerHTTPError      = errors.New("server HTTP error (5xx)")
	ErrOtherHTTPError       = errors.New("other HTTP error (non-2xx)")
	ErrRobotsDisallowed     = errors.New("disallowed by robots.txt")
	ErrSelectorNotFound     = errors.New("selector matched nothing")
	ErrParsing              = errors.New("parsing error")
	ErrFilesystem           = errors.New("filesystem error")
	ErrDatabase             = errors.New("database error")
	ErrNotFound             = errors.New("record not found")
	ErrSemaphoreTimeout     = errors.New("timeout acquiring semaphore")
	ErrRequestCreation      = errors.New("failed to create HTTP request")
	ErrResponseBodyRead     = errors.New("failed to read response body")
	ErrConfigValidation     = errors.New("configuration validation error")
	ErrInvalidPattern       = errors.New("invalid title pattern")
	ErrJobRunning           = errors.New("job already running")
	ErrQuotaExhausted       = errors.New("provider query quota exhausted")
	ErrUnsupportedAlgorithm = errors.New("unsupported hash algorithm")
	ErrImageDecode          = errors.New("image decode error")
	ErrArchiveFormat        = errors.New("unsupported archive format")
	ErrRedirectRefused      = errors.New("redirect refused")
	ErrInvalidURL           = errors.New("invalid URL")
)

// WrapErrorf wraps sentinel with a formatted message, keeping it matchable by errors.Is.
func WrapErrorf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// category maps a sentinel to its label. refine, when set, may return a more
// specific label for the error at hand.
type category struct {
	sentinel error
	label    string
	refine   func(err error) string
}

// Checked in order: the first sentinel found in the chain wins.
var categories = []category{
	{ErrRetryFailed, "RetryFailed_Unknown", refineRetry},
	{ErrClientHTTPError, "HTTP_4xx", refineStatus},
	{ErrServerHTTPError, "HTTP_5xx", nil},
	{ErrOtherHTTPError, "HTTP_OtherStatus", nil},
	{ErrRobotsDisallowed, "Policy_Robots", nil},
	{ErrQuotaExhausted, "Policy_Quota", nil},
	{ErrJobRunning, "Policy_JobRunning", nil},
	{ErrSelectorNotFound, "Content_SelectorNotFound", nil},
	{ErrParsing, "Content_ParsingOther", refineParsing},
	{ErrInvalidPattern, "Content_InvalidPattern", nil},
	{ErrImageDecode, "Content_ImageDecode", nil},
	{ErrArchiveFormat, "Content_ArchiveFormat", nil},
	{ErrUnsupportedAlgorithm, "Hash_UnsupportedAlgorithm", nil},
	{ErrFilesystem, "Filesystem_Other", refineFilesystem},
	{ErrNotFound, "Database_NotFound", nil},
	{ErrDatabase, "Database_Other", nil},
	{ErrSemaphoreTimeout, "Resource_SemaphoreTimeout", nil},
	{ErrRequestCreation, "Internal_RequestCreation", nil},
	{ErrResponseBodyRead, "Network_BodyRead", nil},
	{ErrRedirectRefused, "Network_Redirect", nil},
	{ErrInvalidURL, "Content_InvalidURL", nil},
	{ErrConfigValidation, "Config_Validation", nil},
}

// Substrings of lower-cased messages that identify network failures no sentinel covers.
var networkHints = []struct{ substr, label string }{
	{"timeout", "TimeoutGeneric"},
	{"connection refused", "ConnectionRefused"},
	{"no such host", "DNSLookup"},
	{"tls", "TLS"},
	{"certificate", "TLS"},
	{"reset by peer", "ConnectionReset"},
	{"broken pipe", "BrokenPipe"},
}

// CategorizeError maps an error to a short label for logs and metrics.
func CategorizeError(err error) string {
	if err == nil {
		return "None"
	}
	for _, c := range categories {
		if !errors.Is(err, c.sentinel) {
			continue
		}
		if c.refine != nil {
			if label := c.refine(err); label != "" {
				return label
			}
		}
		return c.label
	}

	switch {
	case errors.Is(err, context.Canceled):
		return "System_ContextCanceled"
	case errors.Is(err, context.DeadlineExceeded):
		if strings.Contains(err.Error(), "semaphore") {
			return "Resource_SemaphoreTimeout"
		}
		return "System_ContextDeadlineExceeded"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "Network_Timeout"
	}
	if hint := networkHint(err); hint != "" {
		return "Network_" + hint
	}
	return "Unknown"
}

func networkHint(err error) string {
	msg := strings.ToLower(err.Error())
	for _, h := range networkHints {
		if strings.Contains(msg, h.substr) {
			return h.label
		}
	}
	return ""
}

// refineRetry labels an exhausted retry by what the last attempt hit.
func refineRetry(err error) string {
	switch {
	case errors.Is(err, ErrServerHTTPError):
		return "RetryFailed_HTTPServer"
	case errors.Is(err, ErrClientHTTPError):
		return "RetryFailed_HTTPClient"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "RetryFailed_NetworkTimeout"
	}
	if strings.Contains(err.Error(), "deadline exceeded") {
		return "RetryFailed_NetworkTimeout"
	}
	switch networkHint(err) {
	case "":
		return "RetryFailed_NetworkOther"
	case "TimeoutGeneric":
		return "RetryFailed_NetworkTimeout"
	case "ConnectionRefused":
		return "RetryFailed_ConnectionRefused"
	case "DNSLookup":
		return "RetryFailed_DNSLookup"
	}
	return "RetryFailed_NetworkOther"
}

// refineStatus picks the status codes providers use to signal bans and quota.
func refineStatus(err error) string {
	msg := err.Error()
	for _, code := range []string{"401", "403", "404", "429"} {
		if strings.Contains(msg, " "+code+" ") {
			return "HTTP_" + code
		}
	}
	return ""
}

func refineParsing(err error) string {
	msg := err.Error()
	for _, kind := range []string{"URL", "HTML", "XML"} {
		if strings.Contains(msg, kind) {
			return "Content_Parsing" + kind
		}
	}
	if strings.Contains(msg, "date") {
		return "Content_ParsingDate"
	}
	return ""
}

func refineFilesystem(err error) string {
	switch {
	case errors.Is(err, os.ErrPermission):
		return "Filesystem_Permission"
	case errors.Is(err, os.ErrNotExist):
		return "Filesystem_NotExist"
	case errors.Is(err, os.ErrExist):
		return "Filesystem_Exist"
	}
	return ""
}
