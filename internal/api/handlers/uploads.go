// uploads.go — HTTP handlers файловых операций.
// List, Upload, Get, Update metadata, Delete, Download.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/arcstep/illufly-upload/internal/api/errors"
	"github.com/arcstep/illufly-upload/internal/api/middleware"
	"github.com/arcstep/illufly-upload/internal/service"
)

// multipartMemory — буфер парсинга multipart form (32 МБ),
// остальное уходит во временные файлы.
const multipartMemory = 32 << 20

// uploadBodyOverhead — запас поверх максимального размера файла на
// multipart-обвязку и поле metadata при ограничении тела запроса.
const uploadBodyOverhead = 64 << 10

// UploadsHandler — обработчик endpoints /uploads.
type UploadsHandler struct {
	mgr *service.Manager
	// maxFileSize — максимальный размер файла; тело запроса загрузки
	// обрезается на этом лимите ещё при приёме (0 = без ограничения)
	maxFileSize int64
}

// NewUploadsHandler создаёт обработчик файловых endpoints.
func NewUploadsHandler(mgr *service.Manager, maxFileSize int64) *UploadsHandler {
	return &UploadsHandler{mgr: mgr, maxFileSize: maxFileSize}
}

// Routes монтирует файловые маршруты.
func (h *UploadsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/", h.Upload)
	r.Get("/{file_id}", h.Get)
	r.Patch("/{file_id}", h.Update)
	r.Delete("/{file_id}", h.Delete)
	r.Get("/{file_id}/download", h.Download)
	return r
}

// List обрабатывает GET /uploads: все файлы пользователя.
func (h *UploadsHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserFromContext(r.Context())

	records, err := h.mgr.List(userID)
	if err != nil {
		apierrors.FromDomain(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items":       records,
		"total":       len(records),
		"usage_bytes": h.mgr.Usage(userID),
	})
}

// Upload обрабатывает POST /uploads.
// Multipart form: file (обязательно), metadata (опционально, JSON-объект).
func (h *UploadsHandler) Upload(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserFromContext(r.Context())

	// Тело обрезается до начала парсинга: слишком большой запрос не
	// спулится целиком во временные файлы
	if h.maxFileSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxFileSize+uploadBodyOverhead)
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			apierrors.WriteError(w, http.StatusRequestEntityTooLarge, apierrors.CodeFileTooLarge,
				fmt.Sprintf("Тело запроса превышает %d байт", maxErr.Limit))
			return
		}
		apierrors.ValidationError(w, fmt.Sprintf("Ошибка парсинга multipart: %s", err.Error()))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		apierrors.ValidationError(w, "Поле 'file' обязательно")
		return
	}
	defer file.Close()

	var extra map[string]any
	if raw := r.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &extra); err != nil {
			apierrors.ValidationError(w, fmt.Sprintf("Некорректный формат metadata: %s", err.Error()))
			return
		}
	}

	rec, err := h.mgr.Upload(userID, file, service.UploadParams{
		OriginalName: header.Filename,
		ContentType:  header.Header.Get("Content-Type"),
		DeclaredSize: header.Size,
		Extra:        extra,
	})
	if err != nil {
		apierrors.FromDomain(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, rec)
}

// Get обрабатывает GET /uploads/{file_id}.
func (h *UploadsHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserFromContext(r.Context())
	fileID := chi.URLParam(r, "file_id")

	rec, err := h.mgr.Get(userID, fileID)
	if err != nil {
		apierrors.FromDomain(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// Update обрабатывает PATCH /uploads/{file_id}.
// Тело: {"original_name"?: string, "extra_metadata"?: object}.
// Попытка изменить любое другое поле записи отклоняется явно.
func (h *UploadsHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserFromContext(r.Context())
	fileID := chi.URLParam(r, "file_id")

	var body map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierrors.ValidationError(w, fmt.Sprintf("Некорректный JSON: %s", err.Error()))
		return
	}

	for _, immutable := range []string{"id", "user_id", "size", "content_type", "checksum", "created_at"} {
		if _, ok := body[immutable]; ok {
			apierrors.ValidationError(w, fmt.Sprintf("Поле %q изменению не подлежит", immutable))
			return
		}
	}

	var params service.UpdateParams
	if raw, ok := body["original_name"]; ok {
		var name string
		if err := json.Unmarshal(raw, &name); err != nil {
			apierrors.ValidationError(w, "Поле original_name должно быть строкой")
			return
		}
		params.OriginalName = &name
	}
	if raw, ok := body["extra_metadata"]; ok {
		if err := json.Unmarshal(raw, &params.Extra); err != nil {
			apierrors.ValidationError(w, "Поле extra_metadata должно быть объектом")
			return
		}
	}

	rec, err := h.mgr.UpdateMetadata(userID, fileID, params)
	if err != nil {
		apierrors.FromDomain(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// Delete обрабатывает DELETE /uploads/{file_id}.
// Идемпотентен: повторное удаление возвращает 204.
func (h *UploadsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserFromContext(r.Context())
	fileID := chi.URLParam(r, "file_id")

	if err := h.mgr.Delete(userID, fileID); err != nil {
		apierrors.FromDomain(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Download обрабатывает GET /uploads/{file_id}/download.
// Отдаёт содержимое через http.ServeContent: Range requests (206),
// If-None-Match по ETag (304), Content-Length — автоматически.
func (h *UploadsHandler) Download(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserFromContext(r.Context())
	fileID := chi.URLParam(r, "file_id")

	rec, f, err := h.mgr.Download(userID, fileID)
	if err != nil {
		apierrors.FromDomain(w, err)
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		apierrors.InternalError(w, "Ошибка чтения файла")
		return
	}

	w.Header().Set("Content-Type", rec.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.OriginalName))
	w.Header().Set("ETag", fmt.Sprintf("%q", rec.Checksum))
	w.Header().Set("Accept-Ranges", "bytes")

	http.ServeContent(w, r, rec.OriginalName, stat.ModTime(), f)
}

// writeJSON — вспомогательная функция записи JSON-ответа.
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}
