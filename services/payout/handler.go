package payout

import (
	"net/http"

	"marketplace-settlement/pkg/db/pagination"
	"marketplace-settlement/pkg/errutil"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func RegisterRoutes(r *gin.Engine, h *Handler) {
	v1 := r.Group("/v1")
	v1.POST("/payouts", h.Request)
	v1.GET("/payouts/:id", h.Get)
	v1.GET("/vendors/:vendorId/payouts", h.List)
}

func (h *Handler) Request(c *gin.Context) {
	var req RequestPayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	p, err := h.service.RequestPayout(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if p.Status == StatusPending {
		// transfer outcome unknown, settled later by webhook or retry
		c.JSON(http.StatusAccepted, p)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *Handler) Get(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) List(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		_ = c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}

	payouts, info, err := h.service.List(c.Request.Context(), c.Param("vendorId"), page)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": payouts, "pageInfo": info})
}
