package server

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"example.com/h2drain/internal/http2"
	"example.com/h2drain/internal/logger"
)

// ErrorDetail is the inner object of a JSON error body.
type ErrorDetail struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
}

// ErrorResponseJSON is the JSON error body.
type ErrorResponseJSON struct {
	Error ErrorDetail `json:"error"`
}

type htmlMessage struct {
	Title   string
	Heading string
	Message string
}

var defaultHTMLMessages = map[int]htmlMessage{
	http.StatusBadRequest: {
		Title:   "400 Bad Request",
		Heading: "Bad Request",
		Message: "The server cannot or will not process the request due to an apparent client error.",
	},
	http.StatusNotFound: {
		Title:   "404 Not Found",
		Heading: "Not Found",
		Message: "The requested resource was not found on this server.",
	},
	http.StatusMethodNotAllowed: {
		Title:   "405 Method Not Allowed",
		Heading: "Method Not Allowed",
		Message: "The method is not allowed for the requested resource.",
	},
	http.StatusInternalServerError: {
		Title:   "500 Internal Server Error",
		Heading: "Internal Server Error",
		Message: "The server encountered an internal error and was unable to complete your request.",
	},
	http.StatusServiceUnavailable: {
		Title:   "503 Service Unavailable",
		Heading: "Service Unavailable",
		Message: "The server is shutting down and cannot handle the request.",
	},
}

// PrefersJSON reports whether the most preferred media type in an Accept header
// value is application/json. Ties on q-value go to the more specific type, then
// to the earlier entry. Entries with q=0 are ignored.
func PrefersJSON(acceptHeaderValue string) bool {
	if acceptHeaderValue == "" {
		return false
	}

	type offer struct {
		mediaType string
		q         float64
		specific  bool
		order     int
	}
	var offers []offer

	for i, part := range strings.Split(acceptHeaderValue, ",") {
		part = strings.TrimSpace(part)
		mediaType := part
		q := 1.0
		if idx := strings.Index(part, ";"); idx != -1 {
			mediaType = strings.TrimSpace(part[:idx])
			for _, param := range strings.Split(part[idx+1:], ";") {
				param = strings.TrimSpace(param)
				if !strings.HasPrefix(param, "q=") {
					continue
				}
				if v, err := strconv.ParseFloat(param[2:], 64); err == nil && v >= 0 && v <= 1 {
					q = v
				} else {
					q = 0
				}
				break
			}
		}
		if q > 0 && mediaType != "" {
			offers = append(offers, offer{
				mediaType: strings.ToLower(mediaType),
				q:         q,
				specific:  !strings.HasSuffix(mediaType, "/*"),
				order:     i,
			})
		}
	}
	if len(offers) == 0 {
		return false
	}

	sort.Slice(offers, func(i, j int) bool {
		if offers[i].q != offers[j].q {
			return offers[i].q > offers[j].q
		}
		if offers[i].specific != offers[j].specific {
			return offers[i].specific
		}
		return offers[i].order < offers[j].order
	})
	return offers[0].mediaType == "application/json"
}

// WriteErrorResponse sends a complete error response on stream, as JSON when the
// request's Accept header prefers it and as a small HTML page otherwise.
func WriteErrorResponse(stream http2.StreamWriter, statusCode int, req *http.Request, detail string, log *logger.Logger) error {
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	statusText := http.StatusText(statusCode)
	if statusText == "" {
		statusText = "Error"
	}

	accept := ""
	if req != nil {
		accept = req.Header.Get("Accept")
	}

	var (
		body        []byte
		contentType string
	)
	if PrefersJSON(accept) {
		b, err := json.Marshal(ErrorResponseJSON{Error: ErrorDetail{StatusCode: statusCode, Message: statusText, Detail: detail}})
		if err == nil {
			body, contentType = b, "application/json; charset=utf-8"
		} else {
			log.Error("Failed to marshal JSON error response, falling back to HTML", logger.LogFields{"error": err.Error()})
		}
	}
	if body == nil {
		contentType = "text/html; charset=utf-8"
		msg, known := defaultHTMLMessages[statusCode]
		if !known {
			msg = htmlMessage{
				Title:   fmt.Sprintf("%d %s", statusCode, statusText),
				Heading: statusText,
				Message: "The server encountered an error processing your request.",
			}
		}
		text := html.EscapeString(msg.Message)
		if detail != "" {
			text += " " + html.EscapeString(detail)
		}
		body = GenerateHTMLResponseBody(msg.Title, msg.Heading, text)
	}

	headers := []http2.HeaderField{
		{Name: ":status", Value: strconv.Itoa(statusCode)},
		{Name: "content-type", Value: contentType},
		{Name: "content-length", Value: strconv.Itoa(len(body))},
		{Name: "cache-control", Value: "no-cache, no-store, must-revalidate"},
	}
	if err := stream.SendHeaders(headers, false); err != nil {
		log.Debug("Failed to send error response headers", logger.LogFields{"stream_id": stream.ID(), "status_code": statusCode, "error": err.Error()})
		return fmt.Errorf("sending error response headers (status %d) on stream %d: %w", statusCode, stream.ID(), err)
	}
	if _, err := stream.WriteData(body, true); err != nil {
		log.Debug("Failed to send error response body", logger.LogFields{"stream_id": stream.ID(), "status_code": statusCode, "error": err.Error()})
		return fmt.Errorf("sending error response body (status %d) on stream %d: %w", statusCode, stream.ID(), err)
	}
	return nil
}

// GenerateHTMLResponseBody renders the HTML error page. message is inserted as is.
func GenerateHTMLResponseBody(title, heading, message string) []byte {
	return []byte(fmt.Sprintf(`<html><head><title>%s</title></head><body><h1>%s</h1><p>%s</p></body></html>`,
		html.EscapeString(title), html.EscapeString(heading), message))
}
