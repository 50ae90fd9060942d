package handlers

import (
	"context"
	"errors"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/build-cache-node/types"
	"github.com/saiset-co/build-cache-node/utils"
)

// statusFor maps a storage error to the response status a build tool expects.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidKey):
		return fasthttp.StatusBadRequest
	case errors.Is(err, types.ErrEntryTooLarge), errors.Is(err, fasthttp.ErrBodyTooLarge):
		return fasthttp.StatusRequestEntityTooLarge
	case errors.Is(err, types.ErrStorageFull):
		return fasthttp.StatusInsufficientStorage
	case errors.Is(err, context.DeadlineExceeded):
		return fasthttp.StatusRequestTimeout
	case errors.Is(err, types.ErrStoreClosed):
		return fasthttp.StatusServiceUnavailable
	default:
		return fasthttp.StatusInternalServerError
	}
}

func (h *CacheHandler) writeError(ctx *fasthttp.RequestCtx, op, key string, err error) {
	status := statusFor(err)

	fields := []zap.Field{
		zap.String("operation", op),
		zap.String("key", key),
		zap.Int("status", status),
		zap.Error(err),
	}

	if status >= fasthttp.StatusInternalServerError {
		h.logger.Error("Cache operation failed", fields...)
	} else {
		h.logger.Debug("Cache operation rejected", fields...)
	}

	message := err.Error()
	if status == fasthttp.StatusInternalServerError {
		message = "storage failure"
	}

	utils.WriteError(ctx, status, message)
}
