package handlers

import (
	"github.com/dustin/go-humanize"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/build-cache-node/types"
	"github.com/saiset-co/build-cache-node/utils"
)

const StatsPath = "/stats"

type StatsResponse struct {
	Store        types.StoreStats        `json:"store"`
	Eviction     *types.EvictionSnapshot `json:"eviction,omitempty"`
	StoredHuman  string                  `json:"stored_human"`
	CeilingHuman string                  `json:"ceiling_human,omitempty"`
	UsagePercent float64                 `json:"usage_percent,omitempty"`
}

type StatsHandler struct {
	store    types.BlobStore
	eviction types.EvictionManager
	logger   types.Logger
}

func NewStatsHandler(store types.BlobStore, eviction types.EvictionManager, logger types.Logger) *StatsHandler {
	return &StatsHandler{
		store:    store,
		eviction: eviction,
		logger:   logger,
	}
}

func (h *StatsHandler) RegisterRoutes(router types.HTTPRouter) {
	router.GET(StatsPath, h.Stats).WithOperation(types.OperationRead).WithoutMiddlewares("throttle")
}

func (h *StatsHandler) Stats(ctx *fasthttp.RequestCtx) {
	stats := h.store.Stats()

	response := StatsResponse{
		Store:       stats,
		StoredHuman: humanize.IBytes(uint64(stats.Bytes)),
	}

	if h.eviction != nil {
		snapshot := h.eviction.Snapshot()
		response.Eviction = &snapshot
		if snapshot.Ceiling > 0 {
			response.CeilingHuman = humanize.IBytes(uint64(snapshot.Ceiling))
			response.UsagePercent = float64(stats.Bytes) * 100 / float64(snapshot.Ceiling)
		}
	}

	if err := utils.WriteJSON(ctx, fasthttp.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode stats", zap.Error(err))
		utils.CreateErrorResponse(ctx)
	}
}
