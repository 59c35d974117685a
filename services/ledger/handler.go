package ledger

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
	v1.GET("/balances/:vendorId", h.GetBalance)
	v1.PUT("/vendors/:vendorId", h.RegisterVendor)
	v1.GET("/vendors/:vendorId", h.GetVendor)
	v1.GET("/vendors/:vendorId/ledger", h.ListEvents)
	v1.GET("/vendors/:vendorId/ledger/verify", h.Verify)
}

func (h *Handler) GetBalance(c *gin.Context) {
	bal, err := h.service.GetBalance(c.Request.Context(), c.Param("vendorId"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, bal)
}

func (h *Handler) RegisterVendor(c *gin.Context) {
	var req RegisterVendorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}
	req.VendorID = c.Param("vendorId")

	account, err := h.service.RegisterVendor(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, account)
}

func (h *Handler) GetVendor(c *gin.Context) {
	account, err := h.service.GetAccount(c.Request.Context(), c.Param("vendorId"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, account)
}

func (h *Handler) ListEvents(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		_ = c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}

	events, info, err := h.service.ListEvents(c.Request.Context(), c.Param("vendorId"), page)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": events, "pageInfo": info})
}

func (h *Handler) Verify(c *gin.Context) {
	result, err := h.service.Replay(c.Request.Context(), c.Param("vendorId"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}
