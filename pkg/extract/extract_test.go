package extract

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/tika" {
			t.Errorf("got %s %s", r.Method, r.URL.Path)
		}
		if accept := r.Header.Get("Accept"); accept != "text/plain" {
			t.Errorf("accept = %q", accept)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/pdf" {
			t.Errorf("content type = %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "%PDF fake bytes" {
			t.Errorf("body = %q", body)
		}
		io.WriteString(w, "extracted text")
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	got, err := c.Text(context.Background(), strings.NewReader("%PDF fake bytes"), "application/pdf")
	if err != nil {
		t.Fatalf("Text: %v", err)
	}
	if got != "extracted text" {
		t.Errorf("got %q", got)
	}
}

func TestText_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unparseable document", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.Text(context.Background(), strings.NewReader("junk"), "")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "422") {
		t.Errorf("error %q should include status code", err)
	}
}
