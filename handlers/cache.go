package handlers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/build-cache-node/cache"
	"github.com/saiset-co/build-cache-node/types"
	"github.com/saiset-co/build-cache-node/utils"
)

const (
	CachePath = "/cache/{key}"

	octetStream       = "application/octet-stream"
	gradleContentType = "application/vnd.gradle.build-cache-artifact"
)

// CacheHandler serves the /cache/{key} endpoints on top of a BlobStore.
type CacheHandler struct {
	ctx       context.Context
	store     types.BlobStore
	keys      *cache.KeyValidator
	logger    types.Logger
	opTimeout time.Duration
}

func NewCacheHandler(ctx context.Context, config *types.StorageConfig, store types.BlobStore, logger types.Logger) (*CacheHandler, error) {
	if store == nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "store is nil")
	}

	keys, err := cache.NewKeyValidator(config.KeyPattern)
	if err != nil {
		return nil, err
	}

	opTimeout := config.OpTimeout
	if opTimeout <= 0 {
		opTimeout = 2 * time.Minute
	}

	return &CacheHandler{
		ctx:       ctx,
		store:     store,
		keys:      keys,
		logger:    logger,
		opTimeout: opTimeout,
	}, nil
}

func (h *CacheHandler) RegisterRoutes(router types.HTTPRouter) {
	router.PUT(CachePath, h.Put).WithOperation(types.OperationWrite).WithValidator(h.validateKey)
	router.DELETE(CachePath, h.Delete).WithOperation(types.OperationWrite).WithValidator(h.validateKey)
	router.GET(CachePath, h.Get).WithOperation(types.OperationRead).WithValidator(h.validateKey)
	router.HEAD(CachePath, h.Head).WithOperation(types.OperationRead).WithValidator(h.validateKey)
}

func (h *CacheHandler) validateKey(ctx *fasthttp.RequestCtx) error {
	key, _ := ctx.UserValue("key").(string)
	return h.keys.Validate(key)
}

func (h *CacheHandler) Put(ctx *fasthttp.RequestCtx) {
	key, ok := h.key(ctx)
	if !ok {
		return
	}

	opCtx, cancel := context.WithTimeout(h.ctx, h.opTimeout)
	defer cancel()

	body := &trackingReader{r: requestBody(ctx)}

	result, err := h.store.Put(opCtx, key, body)
	if err != nil {
		if errors.Is(body.err, fasthttp.ErrBodyTooLarge) {
			err = body.err
		}
		// Whatever remains of the upload is unread.
		ctx.SetConnectionClose()
		h.writeError(ctx, "put", key, err)
		return
	}

	h.logger.Debug("Entry stored",
		zap.String("key", key),
		zap.Int64("size", result.Size),
		zap.Bool("replaced", result.Replaced))

	if result.Replaced {
		ctx.SetStatusCode(fasthttp.StatusOK)
	} else {
		ctx.SetStatusCode(fasthttp.StatusCreated)
	}
}

func (h *CacheHandler) Get(ctx *fasthttp.RequestCtx) {
	key, ok := h.key(ctx)
	if !ok {
		return
	}

	opCtx, cancel := context.WithTimeout(h.ctx, h.opTimeout)
	defer cancel()

	payload, found, err := h.store.Get(opCtx, key)
	if err != nil {
		h.writeError(ctx, "get", key, err)
		return
	}
	if !found {
		utils.WriteError(ctx, fasthttp.StatusNotFound, "entry not found")
		return
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType(negotiateContentType(ctx.Request.Header.Peek(fasthttp.HeaderAccept)))
	ctx.SetBodyStream(payload, int(payload.Meta.Size))
}

func (h *CacheHandler) Head(ctx *fasthttp.RequestCtx) {
	key, ok := h.key(ctx)
	if !ok {
		return
	}

	meta, found := h.store.Stat(key)
	if !found {
		utils.WriteError(ctx, fasthttp.StatusNotFound, "entry not found")
		return
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType(negotiateContentType(ctx.Request.Header.Peek(fasthttp.HeaderAccept)))
	ctx.Response.Header.SetContentLength(int(meta.Size))
	ctx.Response.SkipBody = true
}

func (h *CacheHandler) Delete(ctx *fasthttp.RequestCtx) {
	key, ok := h.key(ctx)
	if !ok {
		return
	}

	if err := h.store.Delete(key); err != nil {
		h.writeError(ctx, "delete", key, err)
		return
	}

	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (h *CacheHandler) key(ctx *fasthttp.RequestCtx) (string, bool) {
	key, _ := ctx.UserValue("key").(string)

	if err := h.keys.Validate(key); err != nil {
		h.writeError(ctx, string(ctx.Method()), key, err)
		return "", false
	}

	return key, true
}

func requestBody(ctx *fasthttp.RequestCtx) io.Reader {
	if stream := ctx.RequestBodyStream(); stream != nil {
		return stream
	}
	return bytes.NewReader(ctx.PostBody())
}

// negotiateContentType echoes a requested Gradle artifact media type and
// falls back to octet-stream.
func negotiateContentType(accept []byte) string {
	for _, part := range strings.Split(string(accept), ",") {
		mediaType := strings.TrimSpace(part)
		if i := strings.IndexByte(mediaType, ';'); i >= 0 {
			mediaType = strings.TrimSpace(mediaType[:i])
		}
		if strings.HasPrefix(mediaType, gradleContentType) {
			return mediaType
		}
	}
	return octetStream
}

type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF {
		t.err = err
	}
	return n, err
}
