package message

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderErrorPage(t *testing.T) {
	html, err := RenderErrorPage("Test Title", "Test Message", "Test Details")
	require.NoError(t, err)
	assert.Contains(t, html, "<title>Test Title</title>")
	assert.Contains(t, html, "<h1>Test Title</h1>")
	assert.Contains(t, html, "Test Message")
	assert.Contains(t, html, "<pre>Test Details</pre>")
}

func TestRenderErrorPageWithoutDetails(t *testing.T) {
	html, err := RenderErrorPage("Test Title", "Test <b>Message</b>", "")
	require.NoError(t, err)
	assert.NotContains(t, html, "<pre>")
	assert.Contains(t, html, "Test &lt;b&gt;Message&lt;/b&gt;")
}

func TestRenderIndex(t *testing.T) {
	html, err := RenderIndex(IndexData{Title: "demo", Heading: "demo", SocketPath: "/ws", AuthRequired: true})
	require.NoError(t, err)
	assert.Contains(t, html, `<form id="login">`)
	assert.Contains(t, html, "new WebSocket(")

	html, err = RenderIndex(IndexData{Title: "demo", Heading: "demo", SocketPath: "/ws"})
	require.NoError(t, err)
	assert.NotContains(t, html, `<form id="login">`)
}

func TestErrorResponses(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, NotFoundResponse(w))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))

	w = httptest.NewRecorder()
	require.NoError(t, ServerErrorResponse(w, errors.New("disk on fire")))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "disk on fire")

	w = httptest.NewRecorder()
	require.NoError(t, UnavailableResponse(w))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
