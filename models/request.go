package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// UnknownContentType is what the edge hook sends when the origin answered
// without a body (304), together with a zero length.
const UnknownContentType = "none"

// TransferRequest is one cache miss reported by the edge.
type TransferRequest struct {
	URI           string
	Key           string
	ContentLength int64
	ContentType   string
}

func (r TransferRequest) NeedsLookup() bool {
	return r.ContentLength == 0 || r.ContentType == "" || r.ContentType == UnknownContentType
}

// KeyFromURI turns a request path into an object key.
func KeyFromURI(uri string) string {
	key := strings.TrimPrefix(uri, "/")
	if unescaped, err := url.PathUnescape(key); err == nil {
		return unescaped
	}
	return key
}

type transferRequestMessage struct {
	URI           string `json:"uri"`
	ContentLength string `json:"content_length"`
	ContentType   string `json:"content_type"`
}

func DecodeTransferRequest(body []byte) (TransferRequest, error) {
	var msg transferRequestMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return TransferRequest{}, fmt.Errorf("decode transfer request: %w", err)
	}

	key := KeyFromURI(msg.URI)
	if key == "" {
		return TransferRequest{}, errors.New("transfer request has no uri")
	}

	var length int64
	if msg.ContentLength != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(msg.ContentLength), 10, 64)
		if err != nil || n < 0 {
			return TransferRequest{}, fmt.Errorf("invalid content_length %q", msg.ContentLength)
		}
		length = n
	}

	contentType := msg.ContentType
	if contentType == "" {
		contentType = UnknownContentType
	}

	return TransferRequest{
		URI:           msg.URI,
		Key:           key,
		ContentLength: length,
		ContentType:   contentType,
	}, nil
}

func EncodeTransferRequest(r TransferRequest) ([]byte, error) {
	contentType := r.ContentType
	if contentType == "" {
		contentType = UnknownContentType
	}
	return json.Marshal(transferRequestMessage{
		URI:           r.URI,
		ContentLength: strconv.FormatInt(r.ContentLength, 10),
		ContentType:   contentType,
	})
}
