package httpx

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"decloud/internal/model"
)

func TestStatusFor(t *testing.T) {
	t.Parallel()

	cases := map[error]int{
		fmt.Errorf("x: %w", model.ErrNotFound):          http.StatusNotFound,
		fmt.Errorf("x: %w", model.ErrUnauthorized):      http.StatusUnauthorized,
		fmt.Errorf("x: %w", model.ErrResourceExhausted): http.StatusBadRequest,
		fmt.Errorf("x: %w", model.ErrTimeout):           http.StatusGatewayTimeout,
		fmt.Errorf("x: %w", model.ErrUnavailable):       http.StatusServiceUnavailable,
		fmt.Errorf("boom"):                              http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := StatusFor(err); got != want {
			t.Fatalf("StatusFor(%v)=%d want %d", err, got, want)
		}
	}
}

func TestDecodeJSON(t *testing.T) {
	t.Parallel()

	var v struct {
		Name string `json:"name"`
	}
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	if err := DecodeJSON(r, &v); err != nil {
		t.Fatalf("empty body: %v", err)
	}
	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a","extra":1}`))
	if err := DecodeJSON(r, &v); err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestCORS_Preflight(t *testing.T) {
	t.Parallel()

	called := false
	h := CORS(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/peers", nil))
	if rec.Code != http.StatusOK || called || rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("code=%d called=%v", rec.Code, called)
	}
}
