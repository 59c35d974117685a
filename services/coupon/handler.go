package coupon

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
	v1 := r.Group("/v1/vendors/:vendorId/coupons")
	v1.POST("", h.Create)
	v1.GET("/:code", h.Get)
	v1.PATCH("/:code", h.Patch)
}

func (h *Handler) Create(c *gin.Context) {
	var req CreateCouponRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}
	req.VendorID = c.Param("vendorId")

	coupon, err := h.service.CreateCoupon(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, coupon)
}

func (h *Handler) Get(c *gin.Context) {
	coupon, err := h.service.GetCoupon(c.Request.Context(), c.Param("vendorId"), c.Param("code"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, coupon)
}

type patchRequest struct {
	IsActive *bool `json:"isActive"`
}

func (h *Handler) Patch(c *gin.Context) {
	var req patchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}
	if req.IsActive == nil {
		_ = c.Error(errutil.ValidationFailed("isActive is the only mutable field", nil,
			errutil.WithDetails(errutil.Detail{Field: "isActive", Message: "required"})))
		return
	}

	coupon, err := h.service.SetActive(c.Request.Context(), c.Param("vendorId"), c.Param("code"), *req.IsActive)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, coupon)
}
