// Package soap builds and parses SOAP 1.1 envelopes for the ERP transports.
package soap

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
)

// Namespace is the SOAP 1.1 envelope namespace.
const Namespace = "http://schemas.xmlsoap.org/soap/envelope/"

// Envelope is a SOAP 1.1 envelope.
type Envelope struct {
	XMLName xml.Name `xml:"http://schemas.xmlsoap.org/soap/envelope/ Envelope"`
	Header  *Header  `xml:"http://schemas.xmlsoap.org/soap/envelope/ Header,omitempty"`
	Body    Body     `xml:"http://schemas.xmlsoap.org/soap/envelope/ Body"`
}

// Header carries the action and message id.
type Header struct {
	Action    string `xml:"Action,omitempty"`
	MessageID string `xml:"MessageID,omitempty"`
}

// Body holds either the operation payload or a fault.
type Body struct {
	Fault   *Fault `xml:"http://schemas.xmlsoap.org/soap/envelope/ Fault,omitempty"`
	Content []byte `xml:",innerxml"`
}

// Fault is a SOAP 1.1 fault.
type Fault struct {
	Code   string       `xml:"faultcode"`
	String string       `xml:"faultstring"`
	Detail *FaultDetail `xml:"detail,omitempty"`
}

// FaultDetail carries the ERP's own error code when present.
type FaultDetail struct {
	ErrorCode string `xml:"ErrorCode,omitempty"`
	Message   string `xml:"Message,omitempty"`
}

// IsClient reports whether the fault blames the request (a business or
// validation rejection) rather than the server.
func (f *Fault) IsClient() bool {
	code := f.Code
	if i := strings.LastIndexByte(code, ':'); i >= 0 {
		code = code[i+1:]
	}
	return code == "Client" || code == "Sender"
}

// Message returns the most specific human-readable fault text.
func (f *Fault) Message() string {
	if f.Detail != nil && f.Detail.Message != "" {
		return f.Detail.Message
	}
	return f.String
}

func (f *Fault) Error() string {
	return fmt.Sprintf("soap fault %s: %s", f.Code, f.Message())
}

// Marshal wraps body in an envelope.
func Marshal(action, messageID string, body any) ([]byte, error) {
	inner, err := xml.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal soap body: %w", err)
	}
	env := Envelope{
		Header: &Header{Action: action, MessageID: messageID},
		Body:   Body{Content: inner},
	}
	out, err := xml.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal soap envelope: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

// Unmarshal extracts the body content from an envelope. A fault in the body is
// returned as *Fault with a nil content.
func Unmarshal(data []byte) ([]byte, *Fault, error) {
	var env Envelope
	if err := xml.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("failed to parse soap envelope: %w", err)
	}
	if env.Body.Fault != nil {
		return nil, env.Body.Fault, nil
	}
	return bytes.TrimSpace(env.Body.Content), nil, nil
}
