package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"strings"
)

// Request describes one call. The dispatcher never modifies it.
type Request struct {
	Method string
	Path   string

	// Body is sent as JSON. []byte and json.RawMessage are sent verbatim.
	Body any

	Query   url.Values
	Headers map[string]string

	// SkipCache bypasses the response cache for a GET.
	SkipCache bool
}

// FileUpload describes a multipart/form-data POST.
type FileUpload struct {
	Path string

	// FieldName is the form field of the file part (default "file").
	FieldName   string
	FileName    string
	Content     []byte
	ContentType string // default application/octet-stream

	Fields  map[string]string
	Query   url.Values
	Headers map[string]string
}

// call is a fully built request, reused unchanged by every attempt.
type call struct {
	method    string
	url       string
	header    http.Header
	body      []byte
	cacheable bool
}

// buildURL joins base and path with exactly one slash and appends the
// encoded query.
func buildURL(base, path string, query url.Values) string {
	u := strings.TrimRight(base, "/")
	if p := strings.TrimLeft(path, "/"); p != "" {
		u += "/" + p
	}
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + query.Encode()
	}
	return u
}

// encodeBody returns the wire form of a request body.
func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		return encoded, nil
	}
}

// buildHeaders merges the client defaults with per-request headers. Later
// sources win: built-in defaults, Config.DefaultHeaders, then extra.
func (c *Client) buildHeaders(contentType string, extra map[string]string) http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		h.Set("User-Agent", c.config.UserAgent)
	}
	h.Set("Authorization", "Bearer "+c.config.Token)
	if c.config.Realm != "" {
		h.Set("X-Realm", c.config.Realm)
	}
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}

	for k, v := range c.config.DefaultHeaders {
		h.Set(k, v)
	}
	for k, v := range extra {
		h.Set(k, v)
	}
	return h
}

func (c *Client) newCall(req Request) (*call, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, &RequestError{Kind: KindRequest, Message: "failed to encode request body", Err: err}
	}

	contentType := ""
	if body != nil {
		contentType = "application/json"
	}

	return &call{
		method:    method,
		url:       buildURL(c.config.BaseURL, req.Path, req.Query),
		header:    c.buildHeaders(contentType, req.Headers),
		body:      body,
		cacheable: method == http.MethodGet && !req.SkipCache,
	}, nil
}

func (c *Client) newUploadCall(upload FileUpload) (*call, error) {
	if upload.FileName == "" {
		return nil, &RequestError{Kind: KindRequest, Message: "file name is required"}
	}

	body, contentType, err := encodeMultipart(upload)
	if err != nil {
		return nil, &RequestError{Kind: KindRequest, Message: "failed to encode multipart body", Err: err}
	}

	return &call{
		method: http.MethodPost,
		url:    buildURL(c.config.BaseURL, upload.Path, upload.Query),
		header: c.buildHeaders(contentType, upload.Headers),
		body:   body,
	}, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// encodeMultipart writes the form fields in key order followed by the file part.
func encodeMultipart(upload FileUpload) ([]byte, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	keys := make([]string, 0, len(upload.Fields))
	for k := range upload.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := writer.WriteField(k, upload.Fields[k]); err != nil {
			return nil, "", err
		}
	}

	fieldName := upload.FieldName
	if fieldName == "" {
		fieldName = "file"
	}
	partType := upload.ContentType
	if partType == "" {
		partType = "application/octet-stream"
	}

	partHeader := make(textproto.MIMEHeader)
	partHeader.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(fieldName), quoteEscaper.Replace(upload.FileName)))
	partHeader.Set("Content-Type", partType)

	part, err := writer.CreatePart(partHeader)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(upload.Content); err != nil {
		return nil, "", err
	}

	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), writer.FormDataContentType(), nil
}

// isJSONContentType accepts application/json and any +json media type.
func isJSONContentType(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// parsePayload decodes a 2xx body under its declared content type.
func parsePayload(contentType string, raw []byte) (Payload, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Payload{}, nil
	}
	if isJSONContentType(contentType) {
		if !json.Valid(raw) {
			return Payload{}, errors.New("invalid JSON body")
		}
		return JSONPayload(raw), nil
	}
	return TextPayload(string(raw)), nil
}

// errorMessageFields are tried in order when a JSON error body is an object.
var errorMessageFields = []string{"message", "description", "errorMessage", "error_description", "error"}

// maxErrorText caps error messages built from raw bodies.
const maxErrorText = 512

// describeErrorBody extracts a message and structured details from a
// non-2xx body. Either may be empty.
func describeErrorBody(contentType string, raw []byte) (string, map[string]any) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", nil
	}

	if isJSONContentType(contentType) || trimmed[0] == '{' {
		var obj map[string]any
		if err := json.Unmarshal(trimmed, &obj); err == nil {
			for _, field := range errorMessageFields {
				if s, ok := obj[field].(string); ok && s != "" {
					return s, obj
				}
			}
			return truncate(string(trimmed), maxErrorText), obj
		}
	}

	return truncate(string(trimmed), maxErrorText), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// errorFromResponse builds the error for a non-2xx response.
func errorFromResponse(status int, contentType string, raw []byte) *RequestError {
	message, details := describeErrorBody(contentType, raw)
	if message == "" {
		message = http.StatusText(status)
	}
	if message == "" {
		message = fmt.Sprintf("HTTP %d", status)
	}
	return newHTTPError(status, message, details)
}
