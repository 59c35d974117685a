package order

import (
	"net/http"

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
	v1.POST("/checkout", h.Checkout)
	v1.GET("/order-groups/:id", h.GetOrderGroup)
	v1.POST("/order-groups/:id/capture", h.Capture)
	v1.POST("/order-groups/:id/fail", h.Fail)
	v1.GET("/orders/:id", h.GetOrder)
}

func (h *Handler) Checkout(c *gin.Context) {
	var cart Cart
	if err := c.ShouldBindJSON(&cart); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	group, err := h.service.Checkout(c.Request.Context(), cart)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, group)
}

func (h *Handler) GetOrderGroup(c *gin.Context) {
	group, err := h.service.GetOrderGroup(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, group)
}

func (h *Handler) Capture(c *gin.Context) {
	group, err := h.service.Capture(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, group)
}

func (h *Handler) Fail(c *gin.Context) {
	group, err := h.service.Fail(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, group)
}

func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.service.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, o)
}
