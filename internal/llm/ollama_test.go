package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func tagsServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthPingModelInstalled(t *testing.T) {
	srv := tagsServer(t, `{"models":[{"name":"llama3:8b"},{"name":"mistral:latest"}]}`)
	c := NewOllamaClient(srv.URL, "llama3")
	if err := c.HealthPing(context.Background()); err != nil {
		t.Fatalf("HealthPing: %v", err)
	}
}

func TestHealthPingModelMissing(t *testing.T) {
	srv := tagsServer(t, `{"models":[{"name":"mistral:latest"}]}`)
	c := NewOllamaClient(srv.URL, "llama3:8b")
	err := c.HealthPing(context.Background())
	if err == nil || !strings.Contains(err.Error(), "not installed") {
		t.Fatalf("err = %v, want missing-model error", err)
	}
}
