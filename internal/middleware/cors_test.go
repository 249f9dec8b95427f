package middleware

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/valyala/fasthttp"
)

func serve(cm *CORSMiddleware, method, origin string) (*fasthttp.RequestCtx, bool) {
	var req fasthttp.Request
	req.Header.SetMethod(method)
	req.SetRequestURI("/upload/merge")
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&req, nil, nil)

	called := false
	cm.Handle(func(*fasthttp.RequestCtx) { called = true })(ctx)
	return ctx, called
}

func TestCORSMiddleware_ShouldEchoListedOrigin(t *testing.T) {
	// given
	cm := NewCORSMiddleware([]string{"https://app.example.com"})

	// when
	ctx, called := serve(cm, fasthttp.MethodPost, "https://app.example.com")

	// then
	assert.True(t, called)
	assert.Equal(t, "https://app.example.com", string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")))
	assert.Contains(t, string(ctx.Response.Header.Peek("Access-Control-Allow-Methods")), "PUT")
}

func TestCORSMiddleware_ShouldOmitHeaderForUnlistedOrigin(t *testing.T) {
	cm := NewCORSMiddleware([]string{"https://app.example.com"})

	ctx, called := serve(cm, fasthttp.MethodPost, "https://evil.example.com")

	assert.True(t, called)
	assert.Empty(t, ctx.Response.Header.Peek("Access-Control-Allow-Origin"))
	assert.False(t, cm.IsOriginAllowed("https://evil.example.com"))
}

func TestCORSMiddleware_ShouldAnswerPreflightWithoutCallingNext(t *testing.T) {
	cm := NewCORSMiddleware(nil)

	ctx, called := serve(cm, fasthttp.MethodOptions, "https://anywhere.example.com")

	assert.False(t, called)
	assert.Equal(t, fasthttp.StatusNoContent, ctx.Response.StatusCode())
	assert.Equal(t, "*", string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")))
}

func TestCORSMiddleware_IsOriginAllowed(t *testing.T) {
	tests := []struct {
		name     string
		allowed  []string
		origin   string
		expected bool
	}{
		{name: "wildcard allows anything", allowed: []string{"*"}, origin: "https://x.example.com", expected: true},
		{name: "exact match", allowed: []string{"https://a.example.com"}, origin: "https://a.example.com", expected: true},
		{name: "localhost pattern", allowed: []string{"http://localhost:*"}, origin: "http://localhost:5173", expected: true},
		{name: "localhost pattern rejects other hosts", allowed: []string{"http://localhost:*"}, origin: "http://127.0.0.1:5173", expected: false},
		{name: "no match", allowed: []string{"https://a.example.com"}, origin: "https://b.example.com", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NewCORSMiddleware(tt.allowed).IsOriginAllowed(tt.origin))
		})
	}
}
