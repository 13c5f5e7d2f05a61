package protocol

import "strings"

type ErrorKind string

const (
	ErrKindBadAppID        ErrorKind = "bad app-id"
	ErrKindUnknownProtocol ErrorKind = "unknown protocol"
	ErrKindUnknown         ErrorKind = "unknown"
)

// ErrorDetail is the structured form of the errorMsg header: "<kind>: <detail>".
type ErrorDetail struct {
	Kind   ErrorKind
	Detail string
}

func BadAppID(appID string) ErrorDetail {
	return ErrorDetail{Kind: ErrKindBadAppID, Detail: appID}
}

func UnknownProtocol(raw string) ErrorDetail {
	return ErrorDetail{Kind: ErrKindUnknownProtocol, Detail: raw}
}

func (e ErrorDetail) String() string {
	return string(e.Kind) + ": " + e.Detail
}

// ParseErrorDetail decodes an errorMsg header. Anything that does not carry
// one of the known kinds before the first colon is reported as ErrKindUnknown
// with the raw string as detail.
func ParseErrorDetail(s string) ErrorDetail {
	kind, detail, ok := strings.Cut(s, ":")
	if !ok {
		return ErrorDetail{Kind: ErrKindUnknown, Detail: s}
	}

	switch k := ErrorKind(kind); k {
	case ErrKindBadAppID, ErrKindUnknownProtocol, ErrKindUnknown:
		return ErrorDetail{Kind: k, Detail: strings.TrimPrefix(detail, " ")}
	default:
		return ErrorDetail{Kind: ErrKindUnknown, Detail: s}
	}
}
