package utils

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
)

func TestCategorizeError(t *testing.T) {
	wrap := func(sentinel error, msg string) error { return fmt.Errorf("%s: %w", msg, sentinel) }

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "None"},

		// bare sentinels
		{"robots", ErrRobotsDisallowed, "Policy_Robots"},
		{"quota", ErrQuotaExhausted, "Policy_Quota"},
		{"job running", ErrJobRunning, "Policy_JobRunning"},
		{"selector", ErrSelectorNotFound, "Content_SelectorNotFound"},
		{"pattern", ErrInvalidPattern, "Content_InvalidPattern"},
		{"image decode", ErrImageDecode, "Content_ImageDecode"},
		{"archive format", ErrArchiveFormat, "Content_ArchiveFormat"},
		{"invalid url", ErrInvalidURL, "Content_InvalidURL"},
		{"algorithm", ErrUnsupportedAlgorithm, "Hash_UnsupportedAlgorithm"},
		{"semaphore", ErrSemaphoreTimeout, "Resource_SemaphoreTimeout"},
		{"request creation", ErrRequestCreation, "Internal_RequestCreation"},
		{"body read", ErrResponseBodyRead, "Network_BodyRead"},
		{"redirect", ErrRedirectRefused, "Network_Redirect"},
		{"config", ErrConfigValidation, "Config_Validation"},
		{"5xx", ErrServerHTTPError, "HTTP_5xx"},
		{"other status", ErrOtherHTTPError, "HTTP_OtherStatus"},
		{"not found", ErrNotFound, "Database_NotFound"},
		{"database", ErrDatabase, "Database_Other"},
		{"filesystem", ErrFilesystem, "Filesystem_Other"},

		// wrapping keeps the category
		{"wrapped quota", wrap(ErrQuotaExhausted, "provider mugi"), "Policy_Quota"},
		{"WrapErrorf", WrapErrorf(ErrJobRunning, "job %s", "web_match_worker"), "Policy_JobRunning"},
		{"double wrapped", fmt.Errorf("outer: %w", wrap(ErrDatabase, "inner")), "Database_Other"},
		{"not exist", fmt.Errorf("%w: %w", ErrFilesystem, os.ErrNotExist), "Filesystem_NotExist"},

		// refinements
		{"retry on 5xx", fmt.Errorf("%w: %w", ErrRetryFailed, wrap(ErrServerHTTPError, "status 503")), "RetryFailed_HTTPServer"},
		{"retry refused", fmt.Errorf("%w: %w", ErrRetryFailed, errors.New("dial tcp: connection refused")), "RetryFailed_ConnectionRefused"},
		{"retry other", fmt.Errorf("%w: %w", ErrRetryFailed, errors.New("EOF")), "RetryFailed_NetworkOther"},
		{"404", wrap(ErrClientHTTPError, "HTTP status 404"), "HTTP_404"},
		{"403", wrap(ErrClientHTTPError, "HTTP status 403"), "HTTP_403"},
		{"429", wrap(ErrClientHTTPError, "HTTP status 429"), "HTTP_429"},
		{"400", wrap(ErrClientHTTPError, "HTTP status 400"), "HTTP_4xx"},
		{"url parsing", wrap(ErrParsing, "URL parsing failed"), "Content_ParsingURL"},
		{"html parsing", wrap(ErrParsing, "HTML parsing failed"), "Content_ParsingHTML"},
		{"xml parsing", wrap(ErrParsing, "XML parsing failed"), "Content_ParsingXML"},
		{"date parsing", wrap(ErrParsing, "release date parsing failed"), "Content_ParsingDate"},
		{"other parsing", wrap(ErrParsing, "parsing failed"), "Content_ParsingOther"},

		// no sentinel
		{"canceled", context.Canceled, "System_ContextCanceled"},
		{"deadline", context.DeadlineExceeded, "System_ContextDeadlineExceeded"},
		{"timeout text", errors.New("connection timeout occurred"), "Network_TimeoutGeneric"},
		{"refused text", errors.New("connection refused"), "Network_ConnectionRefused"},
		{"dns text", errors.New("no such host"), "Network_DNSLookup"},
		{"tls text", errors.New("tls handshake failed"), "Network_TLS"},
		{"reset text", errors.New("reset by peer"), "Network_ConnectionReset"},
		{"unknown", errors.New("some completely unknown error"), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CategorizeError(tt.err); got != tt.want {
				t.Errorf("CategorizeError(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}
