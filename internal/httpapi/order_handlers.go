package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/safar/storefront/internal/models"
	"github.com/safar/storefront/internal/orders"
	"github.com/safar/storefront/internal/store"
)

// Order bodies are validated by orders.Service.
type orderItemRequest struct {
	Product  int64 `json:"product"`
	Quantity int   `json:"quantity"`
}

type createOrderRequest struct {
	Items           []orderItemRequest   `json:"items"`
	ShippingAddress models.Address       `json:"shippingAddress"`
	PaymentMethod   models.PaymentMethod `json:"paymentMethod"`
}

type updateStatusRequest struct {
	Status models.OrderStatus `json:"status" validate:"required"`
}

func ordersPayload(p *store.OffsetPage[models.Order]) gin.H {
	return gin.H{"orders": p.Items, "pagination": pageInfo(p, "totalOrders")}
}

func (s *Server) createOrder(c *gin.Context) {
	var req createOrderRequest
	if err := bindAndValidate(c, &req, s.validate); err != nil {
		respondError(c, err)
		return
	}

	in := orders.CreateOrderInput{
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   req.PaymentMethod,
	}
	for _, item := range req.Items {
		in.Items = append(in.Items, orders.LineItem{ProductID: item.Product, Quantity: item.Quantity})
	}

	order, err := s.orders.CreateOrder(c.Request.Context(), identityOf(c), in)
	if err != nil {
		respondError(c, err)
		return
	}

	respond(c, http.StatusCreated, gin.H{"order": order}, "Order created successfully")
}

func (s *Server) listMyOrders(c *gin.Context) {
	var q pageQuery
	if err := bindQuery(c, &q); err != nil {
		respondError(c, err)
		return
	}

	page, err := s.orders.ListMyOrders(c.Request.Context(), identityOf(c), q.Page, q.Limit)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, ordersPayload(page), "")
}

func (s *Server) listAllOrders(c *gin.Context) {
	var q pageQuery
	if err := bindQuery(c, &q); err != nil {
		respondError(c, err)
		return
	}

	page, err := s.orders.ListAllOrders(c.Request.Context(), identityOf(c), q.Page, q.Limit)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, ordersPayload(page), "")
}

func (s *Server) getOrder(c *gin.Context) {
	id, err := pathID(c, "order")
	if err != nil {
		respondError(c, err)
		return
	}

	order, err := s.orders.GetOrder(c.Request.Context(), identityOf(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"order": order}, "")
}

func (s *Server) updateOrderStatus(c *gin.Context) {
	id, err := pathID(c, "order")
	if err != nil {
		respondError(c, err)
		return
	}

	var req updateStatusRequest
	if err := bindAndValidate(c, &req, s.validate); err != nil {
		respondError(c, err)
		return
	}

	order, err := s.orders.UpdateStatus(c.Request.Context(), identityOf(c), id, req.Status)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"order": order}, "Order status updated")
}
