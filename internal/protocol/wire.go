package protocol

import (
	"strconv"
	"time"
)

// Property keys. Everything that is not a header travels as a property.
const (
	PropContentType     = "content_type"
	PropContentEncoding = "content_encoding"
	PropMessageID       = "message_id"
	PropType            = "type"
	PropCorrelationID   = "correlation_id"
	PropTimestamp       = "timestamp"
	PropAppID           = "app_id"
	PropReplyTo         = "reply_to"
)

var propertyKeys = map[string]struct{}{
	PropContentType:     {},
	PropContentEncoding: {},
	PropMessageID:       {},
	PropType:            {},
	PropCorrelationID:   {},
	PropTimestamp:       {},
	PropAppID:           {},
	PropReplyTo:         {},
}

// IsProperty reports whether key is one of the envelope property keys.
func IsProperty(key string) bool {
	_, ok := propertyKeys[key]
	return ok
}

// HeaderNames maps envelope fields to transport header keys.
type HeaderNames struct {
	Created  string
	Protocol string
	ErrorMsg string
	IsClean  string
}

// DefaultHeaders is the mapping every deployed peer uses.
var DefaultHeaders = HeaderNames{
	Created:  "created",
	Protocol: "protocol",
	ErrorMsg: "errorMsg",
	IsClean:  "isClean",
}

// Wire is an envelope as the transport sees it.
type Wire struct {
	Properties map[string]string
	Headers    map[string]string
	Body       []byte
}

// Encode converts env into its transport form using the given header names.
func Encode(env Envelope, names HeaderNames) Wire {
	m := env.Metadata()

	w := Wire{
		Properties: map[string]string{
			PropContentType:     m.ContentType,
			PropContentEncoding: m.ContentEncoding,
			PropMessageID:       m.MessageID,
			PropType:            string(env.Kind()),
			PropCorrelationID:   m.CorrelationID,
			PropAppID:           m.AppID,
			PropReplyTo:         m.ReplyTo,
		},
		Headers: map[string]string{
			names.Created:  m.Created,
			names.Protocol: m.Protocol,
		},
	}
	if !m.Timestamp.IsZero() {
		w.Properties[PropTimestamp] = m.Timestamp.UTC().Format(time.RFC3339Nano)
	}

	switch e := env.(type) {
	case *Response:
		w.Headers[names.IsClean] = strconv.FormatBool(e.Clean)
		w.Headers[names.ErrorMsg] = ""
	case *ErrorResponse:
		w.Headers[names.IsClean] = strconv.FormatBool(false)
		w.Headers[names.ErrorMsg] = e.Error.String()
	}

	if m.ContentType == ContentTypeBinary {
		w.Body = env.Payload()
	}

	return w
}

// Decode builds an envelope from its transport form. It never fails: missing
// or malformed fields decode to zero values. The type property selects the
// variant; anything other than a response kind decodes as a request.
func Decode(w Wire, names HeaderNames) Envelope {
	m := Meta{
		MessageID:       w.Properties[PropMessageID],
		CorrelationID:   w.Properties[PropCorrelationID],
		AppID:           w.Properties[PropAppID],
		ReplyTo:         w.Properties[PropReplyTo],
		ContentType:     w.Properties[PropContentType],
		ContentEncoding: w.Properties[PropContentEncoding],
		Created:         w.Headers[names.Created],
		Protocol:        w.Headers[names.Protocol],
	}
	if ts, err := time.Parse(time.RFC3339Nano, w.Properties[PropTimestamp]); err == nil {
		m.Timestamp = ts
	}

	var body []byte
	if m.ContentType == ContentTypeBinary {
		body = w.Body
	}

	switch Kind(w.Properties[PropType]) {
	case KindResponse:
		clean, _ := strconv.ParseBool(w.Headers[names.IsClean])
		return &Response{Meta: m, Clean: clean, Body: body}
	case KindErrorResponse:
		return &ErrorResponse{Meta: m, Error: ParseErrorDetail(w.Headers[names.ErrorMsg]), Body: body}
	default:
		return &Request{Meta: m, Body: body}
	}
}
