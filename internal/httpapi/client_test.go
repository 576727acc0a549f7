package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestPostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", got)
		}
		var in map[string]string
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if in["name"] != "snap-1" {
			t.Errorf("name = %q, want snap-1", in["name"])
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "abc"})
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second)
	var out struct {
		ID string `json:"id"`
	}
	if err := c.PostJSON(context.Background(), "/v1/things", map[string]string{"name": "snap-1"}, &out); err != nil {
		t.Fatalf("PostJSON: %v", err)
	}
	if out.ID != "abc" {
		t.Errorf("ID = %q, want abc", out.ID)
	}
}

func TestGetJSONErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad input", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second)
	err := c.GetJSON(context.Background(), "/v1/things/1", &struct{}{})
	if err == nil {
		t.Fatal("GetJSON should fail on 422")
	}
	var he *Error
	if !errors.As(err, &he) {
		t.Fatalf("error type = %T, want *Error", err)
	}
	if he.Status != http.StatusUnprocessableEntity {
		t.Errorf("Status = %d, want 422", he.Status)
	}
	if !strings.Contains(he.Error(), "bad input") {
		t.Errorf("Error() = %q, should contain response body", he.Error())
	}
}

func TestDeleteDiscardsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s, want DELETE", r.Method)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second)
	if err := c.Delete(context.Background(), "/v1/things/1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestErrorTruncatesLongBody(t *testing.T) {
	e := &Error{Status: 500, Body: strings.Repeat("x", 500)}
	if msg := e.Error(); len(msg) > 250 {
		t.Errorf("Error() length = %d, want truncated", len(msg))
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&Error{Status: http.StatusTooManyRequests}, true},
		{&Error{Status: http.StatusInternalServerError}, true},
		{&Error{Status: http.StatusBadGateway}, true},
		{&Error{Status: http.StatusBadRequest}, false},
		{&Error{Status: http.StatusNotFound}, false},
		{&Error{Status: http.StatusUnprocessableEntity}, false},
		{&url.Error{Op: "Post", URL: "http://x", Err: errors.New("connection refused")}, true},
		{context.DeadlineExceeded, true},
		{errors.New("something else"), false},
		{nil, false},
	}
	for _, c := range cases {
		if got := IsRetryable(c.err); got != c.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}
