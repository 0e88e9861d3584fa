// Package encoding negotiates between JSON and MessagePack bodies.
package encoding

import (
	"encoding/json"
	"mime"
	"net/http"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	ContentTypeMsgpack = "application/msgpack"
	ContentTypeJSON    = "application/json"
)

// NegotiateContentType checks the Accept header and returns the preferred content type
func NegotiateContentType(r *http.Request) string {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err == nil && (mt == ContentTypeMsgpack || mt == "application/x-msgpack") {
			return ContentTypeMsgpack
		}
	}
	return ContentTypeJSON
}

// IsMsgpack reports whether the request body is MessagePack
func IsMsgpack(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && (mt == ContentTypeMsgpack || mt == "application/x-msgpack")
}

// Write encodes data in the negotiated content type
func Write(w http.ResponseWriter, r *http.Request, status int, data any) error {
	if NegotiateContentType(r) == ContentTypeMsgpack {
		return WriteMsgpack(w, status, data)
	}
	w.Header().Set("Content-Type", ContentTypeJSON)
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// Read decodes the body according to its Content-Type, defaulting to JSON
func Read(r *http.Request, target any) error {
	if IsMsgpack(r) {
		return ReadMsgpack(r, target)
	}
	return json.NewDecoder(r.Body).Decode(target)
}

// WriteMsgpack writes a MessagePack response with the given status code
func WriteMsgpack(w http.ResponseWriter, status int, data any) error {
	w.Header().Set("Content-Type", ContentTypeMsgpack)
	w.WriteHeader(status)
	return msgpack.NewEncoder(w).Encode(data)
}

// ReadMsgpack reads MessagePack data from the request body
func ReadMsgpack(r *http.Request, target any) error {
	return msgpack.NewDecoder(r.Body).Decode(target)
}
