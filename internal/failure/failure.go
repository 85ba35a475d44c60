// Package failure classifies fetch failures into a small taxonomy used for
// retry decisions, summaries and display labels.
package failure

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
)

// Kind is the classification of a failure.
type Kind string

const (
	KindCertificateExpired  Kind = "certificate_expired"
	KindRateLimited         Kind = "rate_limited"
	KindTransient           Kind = "transient"
	KindUnauthorized        Kind = "unauthorized"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindUnclassified        Kind = "unclassified"
)

// MaxMessageBytes bounds the error text stored on a job record.
const MaxMessageBytes = 4000

var (
	ErrCertificateExpired  = errors.New("certificate expired")
	ErrCertificateMissing  = errors.New("certificate missing")
	ErrRateLimited         = errors.New("rate limited by document source")
	ErrTransient           = errors.New("transient document source error")
	ErrUnauthorized        = errors.New("access denied by document source")
	ErrUpstreamUnavailable = errors.New("document source unavailable")
)

var labels = map[Kind]string{
	KindCertificateExpired:  "Certificate expired",
	KindRateLimited:         "Rate limited",
	KindTransient:           "Connection problem",
	KindUnauthorized:        "Access denied",
	KindUpstreamUnavailable: "Source unavailable",
	KindUnclassified:        "Unexpected error",
}

var (
	reRateLimited = regexp.MustCompile(`\b429\b|too many requests|rate limit`)
	reDenied      = regexp.MustCompile(`\b40[13]\b|unauthori[sz]ed|forbidden|access denied`)
	reUpstream    = regexp.MustCompile(`\b5\d\d\b|bad gateway|service unavailable|no such host|connection refused`)
	reTransient   = regexp.MustCompile(`timeout|timed out|deadline exceeded|connection reset|broken pipe|\beof\b|tls|ssl|handshake`)
)

// Classify returns the kind of err. Sentinels are matched first, then the
// message text.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnclassified
	case errors.Is(err, ErrCertificateExpired), errors.Is(err, ErrCertificateMissing):
		return KindCertificateExpired
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrUpstreamUnavailable):
		return KindUpstreamUnavailable
	case errors.Is(err, ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}
	return ClassifyMessage(err.Error())
}

// ClassifyMessage classifies a stored error message.
func ClassifyMessage(msg string) Kind {
	m := strings.ToLower(msg)
	switch {
	case m == "":
		return KindUnclassified
	case strings.Contains(m, "certificate expired"), strings.Contains(m, "certificate missing"):
		return KindCertificateExpired
	case reRateLimited.MatchString(m):
		return KindRateLimited
	case reDenied.MatchString(m):
		return KindUnauthorized
	case reUpstream.MatchString(m):
		return KindUpstreamUnavailable
	case reTransient.MatchString(m):
		return KindTransient
	}
	return KindUnclassified
}

// Retryable reports whether automatic retry may help. Unauthorized stays
// retryable: the source returns it for transient permission glitches too.
func Retryable(k Kind) bool {
	return k != KindCertificateExpired
}

// KindLabel is the short display label of a kind.
func KindLabel(k Kind) string {
	if l, ok := labels[k]; ok {
		return l
	}
	return labels[KindUnclassified]
}

// Label returns the first hint attached to err, or the label of its kind.
func Label(err error) string {
	if hints := errors.GetAllHints(err); len(hints) > 0 {
		return hints[0]
	}
	return KindLabel(Classify(err))
}

// Describe formats err for storage on a job record.
func Describe(err error) string {
	return Truncate(err.Error(), MaxMessageBytes)
}

// Truncate shortens s to maxBytes without splitting UTF-8 runes.
func Truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
