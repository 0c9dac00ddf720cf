package graphql

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Outcomes reported to a Recorder.
const (
	OutcomeOK        = "ok"
	OutcomeGraphQL   = "graphql_error"
	OutcomeHTTP      = "http_error"
	OutcomeTransport = "transport_error"
)

// Location is a line/column pair in a GraphQL document.
type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Error is one entry of a GraphQL errors array, or a synthetic entry
// describing a transport failure. Entries decoded from a server response
// keep their original JSON and marshal back to it byte for byte, so
// members outside the fields below survive.
type Error struct {
	Message    string         `json:"message"`
	Locations  []Location     `json:"locations,omitempty"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`

	raw json.RawMessage
}

// errorFields breaks the MarshalJSON recursion.
type errorFields Error

// Raw returns the entry as the server sent it, or its encoding for
// synthetic entries.
func (e Error) Raw() json.RawMessage {
	if e.raw != nil {
		return e.raw
	}

	b, err := json.Marshal(errorFields(e))
	if err != nil {
		return json.RawMessage(`{"message":` + strconv.Quote(e.Message) + `}`)
	}

	return b
}

func (e Error) MarshalJSON() ([]byte, error) {
	return e.Raw(), nil
}

// UnmarshalJSON keeps the raw entry. Members with unexpected types are
// left zero instead of failing the whole entry.
func (e *Error) UnmarshalJSON(b []byte) error {
	*e = errorFromJSON(gjson.ParseBytes(b))
	return nil
}

func errorFromJSON(item gjson.Result) Error {
	e := Error{raw: json.RawMessage(item.Raw)}

	if !item.IsObject() {
		e.Message = item.String()
		return e
	}

	e.Message = item.Get("message").String()

	if locs := item.Get("locations"); locs.IsArray() {
		for _, l := range locs.Array() {
			e.Locations = append(e.Locations, Location{
				Line:   int(l.Get("line").Int()),
				Column: int(l.Get("column").Int()),
			})
		}
	}

	if path, ok := item.Get("path").Value().([]any); ok {
		e.Path = path
	}

	if ext, ok := item.Get("extensions").Value().(map[string]any); ok {
		e.Extensions = ext
	}

	return e
}

// Response is the normalised result of one GraphQL call. Status is 0
// when no HTTP response was received.
type Response struct {
	Data    json.RawMessage   `json:"data,omitempty"`
	Errors  []Error           `json:"errors,omitempty"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
}

// OK reports application-level success: no errors, whatever the status.
func (r *Response) OK() bool {
	return len(r.Errors) == 0
}

// DataIsNull reports whether data is absent or JSON null.
func (r *Response) DataIsNull() bool {
	return len(r.Data) == 0 || string(r.Data) == "null"
}

// outcome classifies r for metrics.
func (r *Response) outcome() string {
	switch {
	case r.Status == 0:
		return OutcomeTransport
	case r.Status < 200 || r.Status > 299:
		return OutcomeHTTP
	case !r.OK():
		return OutcomeGraphQL
	default:
		return OutcomeOK
	}
}

// transportError builds the response for a request that never produced
// an HTTP response.
func transportError(err error) *Response {
	return &Response{
		Errors: []Error{{
			Message:    fmt.Sprintf("request failed: %v", err),
			Extensions: map[string]any{"code": "TRANSPORT_ERROR"},
		}},
	}
}

// normalize converts an HTTP status and raw body into a Response.
func normalize(status int, header http.Header, body []byte) *Response {
	resp := &Response{Status: status, Headers: flattenHeaders(header)}

	if status < 200 || status > 299 {
		resp.Errors = errorsFromFailure(status, body)

		if gjson.ValidBytes(body) {
			if data := gjson.GetBytes(body, "data"); data.Exists() {
				resp.Data = json.RawMessage(data.Raw)
			}
		}

		return resp
	}

	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		resp.Errors = []Error{{
			Message:    "invalid JSON in response: " + string(body),
			Extensions: map[string]any{"code": "INVALID_RESPONSE", "status": status},
		}}

		return resp
	}

	if data := gjson.GetBytes(body, "data"); data.Exists() {
		resp.Data = json.RawMessage(data.Raw)
	}

	if errs := gjson.GetBytes(body, "errors"); errs.IsArray() {
		resp.Errors = decodeErrors(errs)
	}

	return resp
}

// errorsFromFailure picks, in order: a GraphQL errors array, an
// {error, details} body, or the raw text.
func errorsFromFailure(status int, body []byte) []Error {
	if gjson.ValidBytes(body) {
		if errs := gjson.GetBytes(body, "errors"); errs.IsArray() && len(errs.Array()) > 0 {
			return decodeErrors(errs)
		}

		if e := gjson.GetBytes(body, "error"); e.Exists() {
			msg := e.String()
			if e.IsObject() {
				msg = e.Get("message").String()
				if msg == "" {
					msg = e.Raw
				}
			}

			ext := map[string]any{"status": status}
			if details := gjson.GetBytes(body, "details"); details.Exists() {
				msg += ": " + details.String()
				ext["details"] = details.Value()
			}

			return []Error{{Message: msg, Extensions: ext}}
		}
	}

	text := strings.TrimSpace(string(body))
	if text == "" {
		text = http.StatusText(status)
	}

	return []Error{{
		Message:    fmt.Sprintf("HTTP %d: %s", status, text),
		Extensions: map[string]any{"status": status},
	}}
}

func decodeErrors(arr gjson.Result) []Error {
	items := arr.Array()
	out := make([]Error, 0, len(items))

	for _, item := range items {
		out = append(out, errorFromJSON(item))
	}

	return out
}

func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}

	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = strings.Join(v, ", ")
	}

	return out
}
