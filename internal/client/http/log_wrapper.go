package client

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// logTransportWrapper logs the requests and the responses at debug level.
type logTransportWrapper struct {
	next http.RoundTripper
}

func (l *logTransportWrapper) Wrap(transport http.RoundTripper) http.RoundTripper {
	return &logTransportWrapper{
		next: transport,
	}
}

func (l *logTransportWrapper) RoundTrip(request *http.Request) (*http.Response, error) {
	start := time.Now()
	logger := zap.S().With("method", request.Method, "url", request.URL.String(), "request_id", request.Header.Get("X-Request-ID"))

	logger.Debugw("request", "header", request.Header)

	response, err := l.next.RoundTrip(request)
	if err != nil {
		logger.Debugw("request failed", "duration", time.Since(start), "error", err)
		return nil, err
	}

	// the body is read in memory to be logged and replaced with a reader on the copy
	var body []byte
	if response.Body != nil {
		body, err = io.ReadAll(response.Body)
		if err != nil {
			return nil, err
		}
		if err := response.Body.Close(); err != nil {
			return nil, err
		}
		response.Body = io.NopCloser(bytes.NewBuffer(body))
	}

	logger.Debugw("response", "status", response.Status, "duration", time.Since(start), "header", response.Header)
	if len(body) > 0 && isJSON(response.Header) {
		logger.Debugw("response body", "body", string(body))
	}

	return response, nil
}

func isJSON(header http.Header) bool {
	contentType := header.Get("Content-Type")
	if contentType == "" {
		return true
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		zap.S().Debugw("cannot parse content type", "content_type", contentType, "error", err)
		return false
	}
	return mediaType == "application/json"
}
