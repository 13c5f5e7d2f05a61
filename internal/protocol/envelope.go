// Package protocol defines the antivirus message envelope and its mapping to
// transport properties, headers and body.
package protocol

import (
	"github.com/google/uuid"
	"strconv"
	"time"
)

const (
	// AppID identifies the protocol family on a shared exchange.
	AppID = "antivirus"

	// Version is the only protocol version this package produces and accepts.
	Version = 1

	ContentTypeBinary = "application/octet-stream"
)

type Kind string

const (
	KindRequest       Kind = "request"
	KindResponse      Kind = "response"
	KindErrorResponse Kind = "response-error"
)

// Meta holds the fields shared by every envelope kind.
type Meta struct {
	MessageID     string
	CorrelationID string
	// Created is the producer's creation time as a free-form string.
	Created string
	// Timestamp is informational; nothing orders on it.
	Timestamp       time.Time
	Protocol        string
	AppID           string
	ReplyTo         string
	ContentType     string
	ContentEncoding string
}

// ProtocolVersion returns the numeric protocol version, or 0 when the raw
// value is missing or not a number.
func (m Meta) ProtocolVersion() int {
	v, err := strconv.Atoi(m.Protocol)
	if err != nil {
		return 0
	}
	return v
}

// Envelope is one of *Request, *Response or *ErrorResponse.
type Envelope interface {
	Kind() Kind
	Metadata() *Meta
	Payload() []byte
}

type Request struct {
	Meta
	Body []byte
}

type Response struct {
	Meta
	Clean bool
	Body  []byte
}

type ErrorResponse struct {
	Meta
	Error ErrorDetail
	Body  []byte
}

func (r *Request) Kind() Kind       { return KindRequest }
func (r *Request) Metadata() *Meta  { return &r.Meta }
func (r *Request) Payload() []byte  { return r.Body }
func (r *Response) Kind() Kind      { return KindResponse }
func (r *Response) Metadata() *Meta { return &r.Meta }
func (r *Response) Payload() []byte { return r.Body }

func (r *ErrorResponse) Kind() Kind      { return KindErrorResponse }
func (r *ErrorResponse) Metadata() *Meta { return &r.Meta }
func (r *ErrorResponse) Payload() []byte { return r.Body }

func newMeta(correlationID string) Meta {
	now := time.Now().UTC()
	return Meta{
		MessageID:     uuid.NewString(),
		CorrelationID: correlationID,
		Created:       now.Format(time.RFC3339Nano),
		Timestamp:     now,
		Protocol:      strconv.Itoa(Version),
		AppID:         AppID,
	}
}

// NewRequest builds a scan request for payload. Replies are expected on replyTo.
func NewRequest(payload []byte, replyTo string) *Request {
	m := newMeta("")
	m.ReplyTo = replyTo
	m.ContentType = ContentTypeBinary
	return &Request{Meta: m, Body: payload}
}

// NewResponse answers req with a verdict. The request payload is echoed only
// when echo is set.
func NewResponse(req *Request, clean bool, echo bool) *Response {
	r := &Response{Meta: newMeta(req.MessageID), Clean: clean}
	if echo {
		r.ContentType = ContentTypeBinary
		r.Body = req.Body
	}
	return r
}

// NewErrorResponse answers req with a rejection.
func NewErrorResponse(req *Request, detail ErrorDetail, echo bool) *ErrorResponse {
	r := &ErrorResponse{Meta: newMeta(req.MessageID), Error: detail}
	if echo {
		r.ContentType = ContentTypeBinary
		r.Body = req.Body
	}
	return r
}
