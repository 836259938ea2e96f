package message

import (
	"io"
	"net/http"
)

func write(w http.ResponseWriter, html string, statusCode int) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	_, err := io.WriteString(w, html)
	return err
}

func ErrorResponse(w http.ResponseWriter, title string, message string, details string, statusCode int) error {
	html, err := RenderErrorPage(title, message, details)
	if err != nil {
		return err
	}
	return write(w, html, statusCode)
}

func NotFoundResponse(w http.ResponseWriter) error {
	return ErrorResponse(w, "Page not found", "The page you are looking for does not exist.", "", http.StatusNotFound)
}

func ServerErrorResponse(w http.ResponseWriter, err error) error {
	details := ""
	if err != nil {
		details = err.Error()
	}
	return ErrorResponse(w, "Server Error", "An unexpected error occurred.", details, http.StatusInternalServerError)
}

// UnavailableResponse is sent while the server is shutting down.
func UnavailableResponse(w http.ResponseWriter) error {
	return ErrorResponse(w, "Shutting down", "The server is shutting down.", "", http.StatusServiceUnavailable)
}

func IndexResponse(w http.ResponseWriter, data IndexData) error {
	html, err := RenderIndex(data)
	if err != nil {
		return err
	}
	return write(w, html, http.StatusOK)
}
