package middleware

import "testing"

// TestNormalizePath проверяет замену идентификатора файла на {id}
// в лейблах метрик.
func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"/api/uploads/":                      "/api/uploads/",
		"/api/uploads/abc-123":               "/api/uploads/{id}",
		"/api/uploads/abc-123/download":      "/api/uploads/{id}/download",
		"/v1/uploads/0b9fbbf4/download":      "/v1/uploads/{id}/download",
		"/health/ready":                      "/health/ready",
		"/metrics":                           "/metrics",
		"/api/uploads/abc-123/download/more": "/api/uploads/{id}/download/more",
	}

	for in, want := range cases {
		if got := normalizePath(in); got != want {
			t.Errorf("%s: ожидалось %s, получено %s", in, want, got)
		}
	}
}
