package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/onnwee/committee-portal/internal/apierr"
	"github.com/onnwee/committee-portal/internal/logger"
	"github.com/onnwee/committee-portal/internal/upload"
)

// PhotoUploader stores applicant photos.
type PhotoUploader interface {
	MaxBytes() int64
	Upload(ctx context.Context, fileName, contentType string, data []byte) (upload.Result, error)
}

// multipartOverhead is allowed on top of the file for boundaries and headers.
const multipartOverhead = 1 << 20

// UploadHandler accepts a single photo in the multipart field "photo".
type UploadHandler struct {
	uploader PhotoUploader
}

func NewUploadHandler(u PhotoUploader) *UploadHandler {
	return &UploadHandler{uploader: u}
}

// Upload stores the photo and returns its URL.
// POST /api/upload
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := h.uploader.MaxBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)

	if err := r.ParseMultipartForm(limit + multipartOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apierr.WriteErrorWithContext(w, r, apierr.UploadTooLarge(limit))
			return
		}
		apierr.WriteErrorWithContext(w, r, apierr.UploadMissingFile())
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("photo")
	if err != nil {
		apierr.WriteErrorWithContext(w, r, apierr.UploadMissingFile())
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	logger.DebugContext(ctx, "Photo upload attempt", "name", header.Filename, "mimetype", contentType, "size", header.Size)
	if header.Size > limit {
		apierr.WriteErrorWithContext(w, r, apierr.UploadTooLarge(limit))
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		apierr.WriteErrorWithContext(w, r, apierr.UploadFailed("Could not read uploaded file"))
		return
	}

	res, err := h.uploader.Upload(ctx, header.Filename, contentType, data)
	if err != nil {
		apierr.WriteErrorWithContext(w, r, uploadError(err, contentType, limit))
		if !errors.Is(err, upload.ErrInvalidType) && !errors.Is(err, upload.ErrTooLarge) && !errors.Is(err, upload.ErrEmpty) {
			logger.WarnContext(ctx, "Photo upload failed", "error", err)
		}
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"success":  true,
		"url":      res.URL,
		"publicId": res.PublicID,
	})
}

func uploadError(err error, contentType string, limit int64) *apierr.Error {
	switch {
	case errors.Is(err, upload.ErrInvalidType):
		return apierr.UploadInvalidType(contentType)
	case errors.Is(err, upload.ErrTooLarge):
		return apierr.UploadTooLarge(limit)
	case errors.Is(err, upload.ErrEmpty):
		return apierr.UploadMissingFile()
	case errors.Is(err, upload.ErrNotConfigured):
		return apierr.SystemUnavailable("Photo upload is not configured")
	}
	if e := apierr.FromError(err); e.Code != apierr.ErrSystemInternal {
		return e
	}
	return apierr.UploadFailed("")
}
