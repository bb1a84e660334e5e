package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
)

type RequestOption func(req *http.Request)

func WithHeader(key, value string) RequestOption {
	return func(req *http.Request) {
		req.Header.Set(key, value)
	}
}

func WithUserAgent(ua string) RequestOption {
	return WithHeader("User-Agent", ua)
}

func MakeAuthRequest(router *gin.Engine, method, path string, body any, token string, opts ...RequestOption) *httptest.ResponseRecorder {
	var payload []byte
	if body != nil {
		payload, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for _, opt := range opts {
		opt(req)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func MakeAPIRequest(router *gin.Engine, method, path string, body any, opts ...RequestOption) *httptest.ResponseRecorder {
	return MakeAuthRequest(router, method, path, body, "", opts...)
}

func DecodeJSON[T any](resp *httptest.ResponseRecorder) (T, error) {
	var out T
	err := json.Unmarshal(resp.Body.Bytes(), &out)
	return out, err
}
