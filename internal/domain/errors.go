package domain

import (
	"errors"
	"fmt"
)

// ErrorKind tags a failure so callers can branch on what went wrong.
type ErrorKind string

const (
	KindConfig        ErrorKind = "config"
	KindAuth          ErrorKind = "auth"
	KindDiarization   ErrorKind = "diarization"
	KindTranscription ErrorKind = "transcription"
	KindFormatting    ErrorKind = "formatting"

	KindInvalidURL    ErrorKind = "invalid_url"
	KindFFmpegMissing ErrorKind = "ffmpeg_not_found"
	KindUnavailable   ErrorKind = "video_unavailable"
	KindAgeRestricted ErrorKind = "age_restricted"
	KindRateLimited   ErrorKind = "rate_limited"
	KindNetwork       ErrorKind = "network_error"
	KindDownload      ErrorKind = "download_error"
	KindUnknown       ErrorKind = "unknown"
)

// Error is a kind-tagged failure with a human readable message.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// NewError builds a tagged error. err may be nil.
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Error formats the message, falling back to the wrapped error.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" && e.Err != nil {
		return e.Err.Error()
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

// Unwrap exposes the underlying error for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// KindOf returns the kind of the outermost tagged error in the chain.
func KindOf(err error) ErrorKind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return KindUnknown
}

// IsDownloadKind reports whether k is one of the downloader failure kinds.
func IsDownloadKind(k ErrorKind) bool {
	switch k {
	case KindInvalidURL, KindFFmpegMissing, KindUnavailable, KindAgeRestricted,
		KindRateLimited, KindNetwork, KindDownload:
		return true
	default:
		return false
	}
}

// Errorf is a shorthand for NewError with a formatted message and no cause.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
