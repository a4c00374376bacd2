package ton

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/getAddressBalance" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("address"); got != "EQabc" {
			t.Errorf("address = %q", got)
		}
		w.Write([]byte(`{"ok":true,"result":"1234567891"}`))
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))
	got, err := c.Balance(context.Background(), "EQabc")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if got != "1.234567891" {
		t.Errorf("got %q, want 1.234567891", got)
	}
}

func TestBalanceZero(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true,"result":"0"}`))
	}))
	defer srv.Close()

	got, err := NewClient(WithBaseURL(srv.URL)).Balance(context.Background(), "EQabc")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if got != "0" {
		t.Errorf("got %q, want 0", got)
	}
}

func TestBalanceAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false,"error":"invalid address"}`))
	}))
	defer srv.Close()

	_, err := NewClient(WithBaseURL(srv.URL)).Balance(context.Background(), "bad")
	if err == nil || !strings.Contains(err.Error(), "invalid address") {
		t.Fatalf("want api error, got %v", err)
	}
}

func TestBalanceHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewClient(WithBaseURL(srv.URL)).Balance(context.Background(), "EQabc")
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("want status error, got %v", err)
	}
}

func TestBalanceEmptyAddress(t *testing.T) {
	if _, err := NewClient().Balance(context.Background(), ""); err == nil {
		t.Fatal("empty address should fail")
	}
}

func TestBalanceAPIKeyForwarded(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.URL.Query().Get("api_key")
		w.Write([]byte(`{"ok":true,"result":"1"}`))
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL), WithAPIKey("k123"))
	if _, err := c.Balance(context.Background(), "EQabc"); err != nil {
		t.Fatalf("balance: %v", err)
	}
	if gotKey != "k123" {
		t.Errorf("api key not forwarded, got %q", gotKey)
	}
}
