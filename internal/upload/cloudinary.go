// Package upload stores applicant photos on Cloudinary.
package upload

import (
	"bytes"
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/committee-portal/internal/cache"
	"github.com/onnwee/committee-portal/internal/httpx"
	"github.com/onnwee/committee-portal/internal/logger"
	"github.com/onnwee/committee-portal/internal/metrics"
)

// DefaultMaxBytes is the photo size limit (3 MiB).
const DefaultMaxBytes = 3 << 20

var (
	ErrNotConfigured = errors.New("upload: Cloudinary is not configured")
	ErrTooLarge      = errors.New("upload: file too large")
	ErrInvalidType   = errors.New("upload: invalid file type")
	ErrEmpty         = errors.New("upload: empty file")
)

var allowedTypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
	"image/webp": true,
	"image/gif":  true,
}

// Options configures the uploader.
type Options struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
	BaseURL   string
	MaxBytes  int64
}

// Result is what the client needs to reference an uploaded photo.
type Result struct {
	URL      string `json:"url"`
	PublicID string `json:"publicId"`
}

type cloudinaryResponse struct {
	SecureURL string `json:"secure_url"`
	PublicID  string `json:"public_id"`
}

// Uploader sends signed uploads. Identical content is uploaded once per
// dedupe cache lifetime.
type Uploader struct {
	opts   Options
	client *httpx.Client
	dedupe cache.Cache
	now    func() time.Time
}

// New returns an uploader. dedupe may be nil.
func New(opts Options, client *httpx.Client, dedupe cache.Cache) *Uploader {
	if opts.Folder == "" {
		opts.Folder = "ice_committee"
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.cloudinary.com"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	return &Uploader{opts: opts, client: client, dedupe: dedupe, now: time.Now}
}

// Enabled reports whether credentials are configured.
func (u *Uploader) Enabled() bool {
	return u.opts.CloudName != "" && u.opts.APIKey != "" && u.opts.APISecret != ""
}

// MaxBytes returns the size limit.
func (u *Uploader) MaxBytes() int64 { return u.opts.MaxBytes }

// Validate checks the declared content type and size.
func (u *Uploader) Validate(contentType string, size int64) error {
	if size == 0 {
		return ErrEmpty
	}
	if size > u.opts.MaxBytes {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, size, u.opts.MaxBytes)
	}
	if !allowedTypes[strings.ToLower(contentType)] {
		return fmt.Errorf("%w: %s", ErrInvalidType, contentType)
	}
	return nil
}

// PublicID is the file name without its extension, as Cloudinary stores it.
func PublicID(fileName string) string {
	base := filepath.Base(fileName)
	if i := strings.Index(base, "."); i > 0 {
		base = base[:i]
	}
	return base
}

// Sign computes the Cloudinary API signature: SHA-1 over the sorted
// key=value pairs joined by '&', followed by the secret.
func Sign(params map[string]string, secret string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + params[k]
	}
	sum := sha1.Sum([]byte(strings.Join(pairs, "&") + secret))
	return hex.EncodeToString(sum[:])
}

// Upload validates and uploads data. The call either returns the stored
// photo or fails; it never resolves twice.
func (u *Uploader) Upload(ctx context.Context, fileName, contentType string, data []byte) (Result, error) {
	if !u.Enabled() {
		return Result{}, ErrNotConfigured
	}
	if err := u.Validate(contentType, int64(len(data))); err != nil {
		metrics.UploadsTotal.WithLabelValues("rejected").Inc()
		return Result{}, err
	}

	sum := sha256.Sum256(data)
	key := "upload:" + hex.EncodeToString(sum[:])
	if u.dedupe != nil {
		if raw, ok := u.dedupe.Get(key); ok {
			var res Result
			if err := json.Unmarshal(raw, &res); err == nil {
				metrics.UploadCacheHits.Inc()
				metrics.UploadsTotal.WithLabelValues("deduplicated").Inc()
				return res, nil
			}
			u.dedupe.Delete(key)
		}
	}

	params := map[string]string{
		"folder":    u.opts.Folder,
		"public_id": PublicID(fileName),
		"timestamp": strconv.FormatInt(u.now().Unix(), 10),
	}
	body, formType, err := u.form(params, fileName, data)
	if err != nil {
		return Result{}, err
	}

	endpoint := fmt.Sprintf("%s/v1_1/%s/image/upload", u.opts.BaseURL, u.opts.CloudName)
	resp, err := u.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", formType)
		return req, nil
	})
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("failure").Inc()
		logger.WarnContext(ctx, "Photo upload failed", "file", fileName, "error", err)
		return Result{}, err
	}

	var cr cloudinaryResponse
	if err := json.Unmarshal(resp.Body, &cr); err != nil || cr.SecureURL == "" {
		metrics.UploadsTotal.WithLabelValues("failure").Inc()
		return Result{}, fmt.Errorf("upload: unexpected Cloudinary response: %s", truncate(resp.Body))
	}
	res := Result{URL: cr.SecureURL, PublicID: cr.PublicID}
	metrics.UploadsTotal.WithLabelValues("success").Inc()

	if u.dedupe != nil {
		if raw, err := json.Marshal(res); err == nil {
			u.dedupe.Set(key, raw, 0)
		}
	}
	return res, nil
}

func (u *Uploader) form(params map[string]string, fileName string, data []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := map[string]string{
		"api_key":   u.opts.APIKey,
		"signature": Sign(params, u.opts.APISecret),
	}
	for k, v := range params {
		fields[k] = v
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	fw, err := mw.CreateFormFile("file", filepath.Base(fileName))
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(data); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

func truncate(b []byte) string {
	if len(b) > 200 {
		return string(b[:200]) + "..."
	}
	return string(b)
}
