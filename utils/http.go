package utils

import (
	"github.com/valyala/fasthttp"
)

type ErrorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteError writes a JSON error body with no-store cache headers. HEAD
// responses carry the status and headers only.
func WriteError(ctx *fasthttp.RequestCtx, status int, message string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")

	ctx.Response.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	ctx.Response.Header.Set("Pragma", "no-cache")
	ctx.Response.Header.Set("Expires", "0")

	requestID := string(ctx.Response.Header.Peek("X-Request-ID"))
	if requestID == "" {
		requestID = string(ctx.Request.Header.Peek("X-Request-ID"))
	}

	if ctx.IsHead() {
		return
	}

	body, err := Marshal(ErrorBody{
		Error:     fasthttp.StatusMessage(status),
		Message:   message,
		RequestID: requestID,
	})
	if err != nil {
		ctx.SetBodyString(`{"error":"Internal Server Error"}`)
		return
	}

	ctx.SetBody(body)
}

func CreateErrorResponse(ctx *fasthttp.RequestCtx) {
	WriteError(ctx, fasthttp.StatusInternalServerError, "An unexpected error occurred")
}

func CreateUnauthorizedResponse(ctx *fasthttp.RequestCtx, realm string) {
	ctx.Response.Header.Set("WWW-Authenticate", `Basic realm="`+realm+`", charset="UTF-8"`)
	WriteError(ctx, fasthttp.StatusUnauthorized, "Authentication required")
}

func WriteJSON(ctx *fasthttp.RequestCtx, status int, data interface{}) error {
	body, err := Marshal(data)
	if err != nil {
		return err
	}

	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	return nil
}
