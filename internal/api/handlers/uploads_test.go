package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/arcstep/illufly-upload/internal/api/middleware"
	"github.com/arcstep/illufly-upload/internal/domain/model"
	"github.com/arcstep/illufly-upload/internal/service"
	"github.com/arcstep/illufly-upload/internal/storage/blob"
	"github.com/arcstep/illufly-upload/internal/storage/meta"
	"github.com/arcstep/illufly-upload/internal/storage/quota"
)

// newTestServer собирает HTTP-сервер в standalone-режиме:
// идентичность берётся из заголовка X-User-Id.
func newTestServer(t *testing.T, maxFileSize, maxPerUser int64) *httptest.Server {
	t.Helper()

	baseDir := t.TempDir()
	blobs, err := blob.New(filepath.Join(baseDir, "files"))
	if err != nil {
		t.Fatalf("ошибка создания хранилища файлов: %v", err)
	}
	records, err := meta.New(filepath.Join(baseDir, "meta"))
	if err != nil {
		t.Fatalf("ошибка создания хранилища метаданных: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := service.NewManager(
		service.Policy{MaxFileSize: maxFileSize},
		blobs, records, quota.New(maxPerUser), logger,
	)

	identity, err := middleware.NewIdentity(middleware.IdentityConfig{
		DefaultUser: "default",
	}, logger)
	if err != nil {
		t.Fatalf("ошибка создания identity middleware: %v", err)
	}

	router := chi.NewRouter()
	router.Route("/api", func(r chi.Router) {
		r.Use(identity.Middleware())
		r.Mount("/uploads", NewUploadsHandler(mgr, maxFileSize).Routes())
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

// multipartBody собирает multipart тело с файлом и опциональными метаданными.
func multipartBody(t *testing.T, filename string, content []byte, metadata string) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("ошибка создания multipart части: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("ошибка записи содержимого: %v", err)
	}
	if metadata != "" {
		if err := w.WriteField("metadata", metadata); err != nil {
			t.Fatalf("ошибка записи metadata: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("ошибка закрытия multipart writer: %v", err)
	}
	return &buf, w.FormDataContentType()
}

// doUpload загружает файл и возвращает созданную запись.
func doUpload(t *testing.T, srv *httptest.Server, user, filename string, content []byte, metadata string) *model.FileRecord {
	t.Helper()

	body, contentType := multipartBody(t, filename, content, metadata)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/uploads/", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-User-Id", user)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("ошибка запроса: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("ожидался 201, получен %d: %s", resp.StatusCode, data)
	}

	var rec model.FileRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatalf("ошибка декодирования ответа: %v", err)
	}
	return &rec
}

// errorCode извлекает машиночитаемый код из тела ошибки.
func errorCode(t *testing.T, body io.Reader) string {
	t.Helper()
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		t.Fatalf("ошибка декодирования тела ошибки: %v", err)
	}
	return payload.Error.Code
}

// TestUpload проверяет загрузку файла через HTTP.
func TestUpload(t *testing.T) {
	srv := newTestServer(t, 1024, 10240)

	content := []byte("тестовое содержимое")
	rec := doUpload(t, srv, "alice", "doc.pdf", content, `{"album":"work"}`)

	if rec.ID == "" {
		t.Error("id не сгенерирован")
	}
	if rec.UserID != "alice" {
		t.Errorf("user_id: ожидался alice, получен %s", rec.UserID)
	}
	if rec.OriginalName != "doc.pdf" {
		t.Errorf("original_name: ожидался doc.pdf, получен %s", rec.OriginalName)
	}
	if rec.Size != int64(len(content)) {
		t.Errorf("размер: ожидалось %d, получено %d", len(content), rec.Size)
	}
	if rec.Extra["album"] != "work" {
		t.Errorf("extra_metadata не сохранены: %v", rec.Extra)
	}
}

// TestUpload_MissingFile проверяет отказ при отсутствии части file.
func TestUpload_MissingFile(t *testing.T) {
	srv := newTestServer(t, 1024, 10240)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("metadata", "{}")
	_ = w.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/uploads/", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("ошибка запроса: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("ожидался 400, получен %d", resp.StatusCode)
	}
	if code := errorCode(t, resp.Body); code != "VALIDATION_ERROR" {
		t.Errorf("код: ожидался VALIDATION_ERROR, получен %s", code)
	}
}

// TestUpload_QuotaExceeded проверяет 507 при превышении квоты.
func TestUpload_QuotaExceeded(t *testing.T) {
	srv := newTestServer(t, 100, 100)

	doUpload(t, srv, "alice", "a.bin", bytes.Repeat([]byte("x"), 80), "")

	body, contentType := multipartBody(t, "b.bin", bytes.Repeat([]byte("y"), 50), "")
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/uploads/", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-User-Id", "alice")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("ошибка запроса: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInsufficientStorage {
		t.Fatalf("ожидался 507, получен %d", resp.StatusCode)
	}
	if code := errorCode(t, resp.Body); code != "QUOTA_EXCEEDED" {
		t.Errorf("код: ожидался QUOTA_EXCEEDED, получен %s", code)
	}
}

// TestUpload_BodyTooLarge проверяет отклонение запроса, тело которого
// заметно превышает максимальный размер файла, ещё на приёме.
func TestUpload_BodyTooLarge(t *testing.T) {
	srv := newTestServer(t, 100, 10*1024*1024)

	// Содержимое больше лимита вместе с запасом на multipart-обвязку
	body, contentType := multipartBody(t, "huge.bin", bytes.Repeat([]byte("x"), 128<<10), "")
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/uploads/", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-User-Id", "alice")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("ошибка запроса: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("ожидался 413, получен %d", resp.StatusCode)
	}
	if code := errorCode(t, resp.Body); code != "FILE_TOO_LARGE" {
		t.Errorf("код: ожидался FILE_TOO_LARGE, получен %s", code)
	}
}

// TestList проверяет листинг файлов пользователя и изоляцию пользователей.
func TestList(t *testing.T) {
	srv := newTestServer(t, 1024, 10240)

	doUpload(t, srv, "alice", "a.txt", []byte("aaa"), "")
	doUpload(t, srv, "alice", "b.txt", []byte("bbbb"), "")
	doUpload(t, srv, "bob", "c.txt", []byte("c"), "")

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/uploads/", nil)
	req.Header.Set("X-User-Id", "alice")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("ошибка запроса: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ожидался 200, получен %d", resp.StatusCode)
	}

	var payload struct {
		Items      []*model.FileRecord `json:"items"`
		Total      int                 `json:"total"`
		UsageBytes int64               `json:"usage_bytes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("ошибка декодирования: %v", err)
	}
	if payload.Total != 2 {
		t.Errorf("ожидалось 2 файла alice, получено %d", payload.Total)
	}
	if payload.UsageBytes != 7 {
		t.Errorf("usage_bytes: ожидалось 7, получено %d", payload.UsageBytes)
	}
}

// TestGet_NotFoundAndCrossUser проверяет 404 для чужих и несуществующих файлов.
func TestGet_NotFoundAndCrossUser(t *testing.T) {
	srv := newTestServer(t, 1024, 10240)

	rec := doUpload(t, srv, "alice", "secret.txt", []byte("x"), "")

	for _, tc := range []struct {
		user   string
		fileID string
	}{
		{"bob", rec.ID},
		{"alice", "00000000-0000-0000-0000-000000000000"},
	} {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/uploads/"+tc.fileID, nil)
		req.Header.Set("X-User-Id", tc.user)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("ошибка запроса: %v", err)
		}
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s/%s: ожидался 404, получен %d", tc.user, tc.fileID, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

// TestUpdate проверяет PATCH метаданных.
func TestUpdate(t *testing.T) {
	srv := newTestServer(t, 1024, 10240)

	rec := doUpload(t, srv, "alice", "old.txt", []byte("x"), `{"a":"1"}`)

	body := strings.NewReader(`{"original_name":"new.txt","extra_metadata":{"b":"2"}}`)
	req, _ := http.NewRequest(http.MethodPatch, srv.URL+"/api/uploads/"+rec.ID, body)
	req.Header.Set("X-User-Id", "alice")
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("ошибка запроса: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("ожидался 200, получен %d: %s", resp.StatusCode, data)
	}

	var updated model.FileRecord
	if err := json.NewDecoder(resp.Body).Decode(&updated); err != nil {
		t.Fatalf("ошибка декодирования: %v", err)
	}
	if updated.OriginalName != "new.txt" {
		t.Errorf("original_name: ожидался new.txt, получен %s", updated.OriginalName)
	}
	if updated.Extra["a"] != "1" || updated.Extra["b"] != "2" {
		t.Errorf("extra_metadata слиты неверно: %v", updated.Extra)
	}
}

// TestUpdate_ImmutableFields проверяет отказ изменить неизменяемые поля.
func TestUpdate_ImmutableFields(t *testing.T) {
	srv := newTestServer(t, 1024, 10240)

	rec := doUpload(t, srv, "alice", "doc.txt", []byte("x"), "")

	for _, payload := range []string{
		`{"size": 999}`,
		`{"user_id": "bob"}`,
		`{"id": "other"}`,
		`{"content_type": "text/html"}`,
		`{"checksum": "0000"}`,
	} {
		req, _ := http.NewRequest(http.MethodPatch, srv.URL+"/api/uploads/"+rec.ID, strings.NewReader(payload))
		req.Header.Set("X-User-Id", "alice")
		req.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("ошибка запроса: %v", err)
		}
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: ожидался 400, получен %d", payload, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

// TestDelete проверяет удаление и его идемпотентность на уровне HTTP.
func TestDelete(t *testing.T) {
	srv := newTestServer(t, 1024, 10240)

	rec := doUpload(t, srv, "alice", "doc.txt", []byte("x"), "")

	del := func() int {
		req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/uploads/"+rec.ID, nil)
		req.Header.Set("X-User-Id", "alice")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("ошибка запроса: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := del(); code != http.StatusNoContent {
		t.Fatalf("первое удаление: ожидался 204, получен %d", code)
	}
	if code := del(); code != http.StatusNoContent {
		t.Fatalf("повторное удаление: ожидался 204, получен %d", code)
	}
}

// TestDownload проверяет скачивание содержимого и заголовки ответа.
func TestDownload(t *testing.T) {
	srv := newTestServer(t, 1024, 10240)

	content := []byte("содержимое для скачивания")
	rec := doUpload(t, srv, "alice", "report.pdf", content, "")

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/uploads/"+rec.ID+"/download", nil)
	req.Header.Set("X-User-Id", "alice")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("ошибка запроса: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ожидался 200, получен %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ошибка чтения тела: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Error("скачанное содержимое не совпадает с загруженным")
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "report.pdf") {
		t.Errorf("Content-Disposition должен содержать имя файла: %s", cd)
	}
	if etag := resp.Header.Get("ETag"); !strings.Contains(etag, rec.Checksum) {
		t.Errorf("ETag должен содержать checksum: %s", etag)
	}
}

// TestDefaultUser проверяет, что запрос без X-User-Id относится
// к пользователю по умолчанию.
func TestDefaultUser(t *testing.T) {
	srv := newTestServer(t, 1024, 10240)

	rec := doUpload(t, srv, "", "doc.txt", []byte("x"), "")
	if rec.UserID != "default" {
		t.Errorf("user_id: ожидался default, получен %s", rec.UserID)
	}
}
