package httpapi

import (
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tflow/attachstore/internal/attachment"
	"github.com/tflow/attachstore/pkg/errors"
	"github.com/tflow/attachstore/pkg/types"
	"github.com/tflow/attachstore/pkg/utils"
)

// uploadField is the multipart field carrying the files.
const uploadField = "attachments"

// multipartOverhead is the allowance for form fields and part headers on
// top of the file bytes.
const multipartOverhead = 1 << 20

type attachmentHandler struct {
	service *attachment.Service
	logger  *slog.Logger
}

type uploadItem struct {
	Name       string     `json:"name"`
	ID         string     `json:"id,omitempty"`
	RemotePath string     `json:"remote_path,omitempty"`
	Tier       types.Tier `json:"tier,omitempty"`
	Compressed bool       `json:"compressed,omitempty"`
	Size       int64      `json:"size,omitempty"`
	Error      string     `json:"error,omitempty"`
}

type uploadResponse struct {
	Attachments []uploadItem `json:"attachments"`
	Stored      int          `json:"stored"`
	Failed      int          `json:"failed"`
}

// Upload handles POST /api/attachments.
func (h *attachmentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	cfg := h.service.Config()
	r.Body = http.MaxBytesReader(w, r.Body, int64(cfg.MaxFiles)*cfg.MaxFileSize+multipartOverhead)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorCode(w, http.StatusRequestEntityTooLarge, string(errors.ErrCodeLimitExceeded),
				fmt.Sprintf("upload exceeds %s", utils.FormatBytes(tooLarge.Limit)))
			return
		}
		writeErrorCode(w, http.StatusBadRequest, string(errors.ErrCodeValidationFailed),
			fmt.Sprintf("invalid multipart form: %s", err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	files := r.MultipartForm.File[uploadField]
	if len(files) == 0 {
		writeErrorCode(w, http.StatusBadRequest, string(errors.ErrCodeValidationFailed), "no files uploaded")
		return
	}
	if len(files) > cfg.MaxFiles {
		writeErrorCode(w, http.StatusBadRequest, string(errors.ErrCodeLimitExceeded),
			fmt.Sprintf("at most %d files per upload", cfg.MaxFiles))
		return
	}

	compress, _ := strconv.ParseBool(r.FormValue("compress"))

	reqs := make([]attachment.StoreRequest, 0, len(files))
	for _, fh := range files {
		ct := partContentType(fh)
		if !h.service.Allowed(ct) {
			writeErrorCode(w, http.StatusBadRequest, string(errors.ErrCodeValidationFailed),
				fmt.Sprintf("file type not allowed: %s", ct))
			return
		}
		if fh.Size > cfg.MaxFileSize {
			writeErrorCode(w, http.StatusRequestEntityTooLarge, string(errors.ErrCodeLimitExceeded),
				fmt.Sprintf("file %s exceeds %s", fh.Filename, utils.FormatBytes(cfg.MaxFileSize)))
			return
		}

		data, err := readPart(fh)
		if err != nil {
			writeErrorCode(w, http.StatusBadRequest, string(errors.ErrCodeValidationFailed),
				fmt.Sprintf("failed to read %s", fh.Filename))
			return
		}
		reqs = append(reqs, attachment.StoreRequest{
			Content:      data,
			ContentType:  ct,
			OriginalName: fh.Filename,
			Compress:     compress,
		})
	}

	items, err := h.service.StoreBatch(r.Context(), reqs)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := uploadResponse{Attachments: make([]uploadItem, 0, len(items))}
	for _, it := range items {
		item := uploadItem{Name: it.Name}
		if it.Err != nil {
			_, _, item.Error = errorResponse(it.Err)
			resp.Failed++
		} else {
			item.ID = it.Result.ID
			item.RemotePath = it.Result.RemotePath
			item.Tier = it.Result.Tier
			item.Compressed = it.Result.Compressed
			item.Size = it.Result.Record.Size
			resp.Stored++
		}
		resp.Attachments = append(resp.Attachments, item)
	}

	status := http.StatusCreated
	if resp.Stored == 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

func partContentType(fh *multipart.FileHeader) string {
	ct := fh.Header.Get("Content-Type")
	if ct == "" || ct == "application/octet-stream" {
		return utils.ContentTypeByName(fh.Filename)
	}
	return ct
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Get handles GET /api/attachments/{id}.
func (h *attachmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// File handles GET /api/attachments/{id}/file. The content is streamed as
// it arrives from the remote store.
func (h *attachmentHandler) File(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	revalidate := r.URL.Query().Get("cache") != ""

	obj, err := h.service.Fetch(r.Context(), attachment.FetchRequest{
		LogicalID:  id,
		Revalidate: revalidate,
	})
	if err != nil {
		if r.Context().Err() != nil || errors.IsCancelled(err) {
			// client went away; nobody to answer
			return
		}
		writeError(w, err)
		return
	}
	defer obj.Body.Close()

	disposition := "attachment"
	if utils.IsInlineType(obj.ContentType) {
		disposition = "inline"
	}

	hdr := w.Header()
	hdr.Set("Content-Type", obj.ContentType)
	hdr.Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": obj.DisplayName}))
	hdr.Set("Cache-Control", "public, max-age=3600")
	hdr.Set("X-Content-Type-Options", "nosniff")
	if obj.Source == attachment.SourceMemory || obj.Source == attachment.SourceDisk {
		hdr.Set("X-Cache", "HIT")
	} else {
		hdr.Set("X-Cache", "MISS")
	}
	if obj.Size >= 0 {
		hdr.Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	}
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, obj.Body)
	if err != nil {
		level := slog.LevelWarn
		if r.Context().Err() != nil || errors.IsCancelled(err) {
			level = slog.LevelDebug
		}
		h.logger.Log(r.Context(), level, "Attachment stream ended early",
			"id", id,
			"source", obj.Source,
			"bytes", n,
			"error", err)
	}
}

type deleteResponse struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

// Delete handles DELETE /api/attachments/{id}.
func (h *attachmentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.service.Delete(r.Context(), attachment.DeleteRequest{LogicalID: id}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteResponse{ID: id, Deleted: true})
}
