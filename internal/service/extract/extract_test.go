package extract

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ashita-ai/hyoka/internal/model"
)

func strp(s string) *string { return &s }
func intp(i int) *int       { return &i }

func TestClientExtract(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/extract" {
			t.Errorf("expected path /extract, got %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected application/json content type, got %s", ct)
		}

		var req extractRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if req.Citation == "" {
			t.Error("expected non-empty citation in request")
		}

		resp := Metadata{
			Title:   "Statins and stroke risk in adults over 65",
			Authors: strp("Smith J, Jones K"),
			Year:    intp(2019),
			Journal: strp("BMJ"),
			DOI:     strp("10.1136/bmj.38398"),
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := New(server.URL, 5*time.Second)
	got, err := client.Extract(context.Background(), "Smith J, Jones K. Statins and stroke risk in adults over 65. BMJ. 2019.")
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	if got.Title != "Statins and stroke risk in adults over 65" {
		t.Errorf("unexpected title: %q", got.Title)
	}
	if got.Year == nil || *got.Year != 2019 {
		t.Errorf("unexpected year: %v", got.Year)
	}
	if got.DOI == nil || *got.DOI != "10.1136/bmj.38398" {
		t.Errorf("unexpected doi: %v", got.DOI)
	}
}

func TestClientExtractErrors(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model overloaded", http.StatusInternalServerError)
		}))
		defer server.Close()

		client := New(server.URL, 5*time.Second)
		_, err := client.Extract(context.Background(), "some citation")
		if err == nil {
			t.Fatal("expected error for server failure")
		}
	})

	t.Run("invalid json", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("not json"))
		}))
		defer server.Close()

		client := New(server.URL, 5*time.Second)
		_, err := client.Extract(context.Background(), "some citation")
		if err == nil {
			t.Fatal("expected error for invalid response")
		}
	})

	t.Run("nothing recognized", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("{}"))
		}))
		defer server.Close()

		client := New(server.URL, 5*time.Second)
		_, err := client.Extract(context.Background(), "gibberish")
		if err == nil {
			t.Fatal("expected error when no fields were recognized")
		}
	})
}

func TestNewDisabledWithoutURL(t *testing.T) {
	if client := New("", 5*time.Second); client != nil {
		t.Fatal("expected nil client when no URL is configured")
	}
}

func TestMetadataApply(t *testing.T) {
	meta := Metadata{
		Title:   "Extracted title",
		Authors: strp("Extracted authors"),
		Year:    intp(2020),
		Journal: strp("Extracted journal"),
	}

	t.Run("fills empty fields", func(t *testing.T) {
		req := model.CreateStudyRequest{}
		meta.Apply(&req)

		if req.Title != "Extracted title" {
			t.Errorf("title not filled: %q", req.Title)
		}
		if req.Year == nil || *req.Year != 2020 {
			t.Errorf("year not filled: %v", req.Year)
		}
		if req.DOI != nil {
			t.Errorf("doi should stay nil, got %v", *req.DOI)
		}
	})

	t.Run("caller values win", func(t *testing.T) {
		req := model.CreateStudyRequest{
			Title: "Hand-entered title",
			Year:  intp(1999),
		}
		meta.Apply(&req)

		if req.Title != "Hand-entered title" {
			t.Errorf("title overwritten: %q", req.Title)
		}
		if *req.Year != 1999 {
			t.Errorf("year overwritten: %d", *req.Year)
		}
		if req.Journal == nil || *req.Journal != "Extracted journal" {
			t.Errorf("journal not filled: %v", req.Journal)
		}
	})
}
