package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/onnwee/committee-portal/internal/apierr"
)

// DefaultMaxBodyBytes bounds JSON request bodies (10MB).
const DefaultMaxBodyBytes = 10 * 1024 * 1024

// BodyLimit caps the body of POST, PUT and PATCH requests. Multipart uploads
// carry their own limit in the upload handler.
func BodyLimit(max int64) func(http.Handler) http.Handler {
	if max <= 0 {
		max = DefaultMaxBodyBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch:
				if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
					r.Body = http.MaxBytesReader(w, r.Body, max)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// DecodeJSON decodes a single JSON object from the request body into dst.
// Unknown fields are tolerated; trailing data is not.
func DecodeJSON(r *http.Request, dst any) *apierr.Error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apierr.ValidationInvalidValue("body", fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit))
		}
		if errors.Is(err, io.EOF) {
			return apierr.ValidationInvalidValue("body", "request body is empty")
		}
		return apierr.ValidationInvalidJSON()
	}
	if dec.More() {
		return apierr.ValidationInvalidJSON()
	}
	return nil
}

// SanitizeString trims whitespace, drops invalid UTF-8 and truncates to
// maxLength runes.
func SanitizeString(input string, maxLength int) string {
	input = strings.TrimSpace(input)
	if !utf8.ValidString(input) {
		input = strings.ToValidUTF8(input, "")
	}
	if maxLength > 0 && utf8.RuneCountInString(input) > maxLength {
		input = string([]rune(input)[:maxLength])
	}
	return input
}
