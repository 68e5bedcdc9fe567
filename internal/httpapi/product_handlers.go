package httpapi

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/safar/storefront/internal/apperr"
	"github.com/safar/storefront/internal/media"
	"github.com/safar/storefront/internal/models"
	"github.com/safar/storefront/internal/store"
	"github.com/shopspring/decimal"
)

var errImagesDisabled = apperr.New(apperr.KindUpstream, "Image storage not configured")

type pageQuery struct {
	Page  int `form:"page"`
	Limit int `form:"limit"`
}

type productQuery struct {
	pageQuery
	Category string `form:"category"`
	InStock  *bool  `form:"inStock"`
}

type createProductRequest struct {
	SKU           string              `json:"sku" validate:"required,max=64"`
	Name          string              `json:"name" validate:"required,max=100"`
	Description   string              `json:"description" validate:"max=1000"`
	Price         decimal.Decimal     `json:"price" validate:"gte=0"`
	OriginalPrice decimal.NullDecimal `json:"originalPrice"`
	Category      models.Category     `json:"category" validate:"required,oneof=Electronics Clothing Accessories Sports Home"`
	Images        []string            `json:"images" validate:"dive,url"`
	Features      []string            `json:"features"`
	Discount      int                 `json:"discount" validate:"gte=0,lte=100"`
	StockQuantity int                 `json:"stockQuantity" validate:"gte=0"`
}

type reviewRequest struct {
	Rating  int    `json:"rating" validate:"required,min=1,max=5"`
	Comment string `json:"comment" validate:"required,max=500"`
}

type stockRequest struct {
	StockQuantity *int `json:"stockQuantity" validate:"required,gte=0"`
}

func pathID(c *gin.Context, what string) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.New(apperr.KindValidation, "Invalid "+what+" ID")
	}
	return id, nil
}

func bindQuery(c *gin.Context, out any) error {
	if err := c.ShouldBindQuery(out); err != nil {
		return apperr.Wrap(apperr.KindValidation, "Invalid query parameters", err)
	}
	return nil
}

func (s *Server) listProducts(c *gin.Context) {
	var q productQuery
	if err := bindQuery(c, &q); err != nil {
		respondError(c, err)
		return
	}

	filter := store.ProductFilter{Category: models.Category(q.Category), InStock: q.InStock}
	if filter.Category != "" && !filter.Category.Valid() {
		respondError(c, apperr.Validation(apperr.FieldError{Field: "category", Message: "Invalid category"}))
		return
	}

	page, err := s.catalog.ListProducts(c.Request.Context(), filter, store.PageRequest{Page: q.Page, PageSize: q.Limit})
	if err != nil {
		respondError(c, err)
		return
	}

	respond(c, http.StatusOK, gin.H{"products": page.Items, "pagination": pageInfo(page, "totalProducts")}, "")
}

func (s *Server) getProduct(c *gin.Context) {
	id, err := pathID(c, "product")
	if err != nil {
		respondError(c, err)
		return
	}

	product, err := s.catalog.GetProduct(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	respond(c, http.StatusOK, gin.H{"product": product}, "")
}

func (s *Server) createProduct(c *gin.Context) {
	var req createProductRequest
	if err := bindAndValidate(c, &req, s.validate); err != nil {
		respondError(c, err)
		return
	}

	product, err := s.catalog.CreateProduct(c.Request.Context(), models.Product{
		SKU:           req.SKU,
		Name:          req.Name,
		Description:   req.Description,
		Price:         req.Price,
		OriginalPrice: req.OriginalPrice,
		Category:      req.Category,
		Images:        req.Images,
		Features:      req.Features,
		Discount:      req.Discount,
		StockQuantity: req.StockQuantity,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	respond(c, http.StatusCreated, gin.H{"product": product}, "Product created successfully")
}

func (s *Server) addReview(c *gin.Context) {
	id, err := pathID(c, "product")
	if err != nil {
		respondError(c, err)
		return
	}

	var req reviewRequest
	if err := bindAndValidate(c, &req, s.validate); err != nil {
		respondError(c, err)
		return
	}

	ctx := c.Request.Context()
	user, err := s.auth.Me(ctx, identityOf(c))
	if err != nil {
		respondError(c, err)
		return
	}

	product, err := s.catalog.AddReview(ctx, id, models.Review{
		UserID:  user.ID,
		Name:    user.Name,
		Rating:  req.Rating,
		Comment: req.Comment,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	respond(c, http.StatusCreated, gin.H{"product": product}, "Review added")
}

func (s *Server) uploadImage(c *gin.Context) {
	id, err := pathID(c, "product")
	if err != nil {
		respondError(c, err)
		return
	}
	if s.images == nil {
		respondError(c, errImagesDisabled)
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, media.MaxImageSize+1<<20)
	header, err := c.FormFile("image")
	if err != nil {
		respondError(c, apperr.Validation(apperr.FieldError{Field: "image", Message: "Image file is required"}))
		return
	}
	if header.Size > media.MaxImageSize {
		respondError(c, media.ErrTooLarge)
		return
	}

	file, err := header.Open()
	if err != nil {
		respondError(c, err)
		return
	}
	defer file.Close()

	body, err := io.ReadAll(file)
	if err != nil {
		respondError(c, err)
		return
	}

	ctx := c.Request.Context()
	if _, err := s.catalog.GetProduct(ctx, id); err != nil {
		respondError(c, err)
		return
	}

	url, err := s.images.UploadProductImage(ctx, id, header.Header.Get("Content-Type"), body)
	if err != nil {
		respondError(c, err)
		return
	}

	product, err := s.catalog.AppendImage(ctx, id, url)
	if err != nil {
		respondError(c, err)
		return
	}

	respond(c, http.StatusCreated, gin.H{"product": product, "url": url}, "Image uploaded")
}

func (s *Server) setStock(c *gin.Context) {
	id, err := pathID(c, "product")
	if err != nil {
		respondError(c, err)
		return
	}

	var req stockRequest
	if err := bindAndValidate(c, &req, s.validate); err != nil {
		respondError(c, err)
		return
	}

	product, err := s.catalog.SetStock(c.Request.Context(), id, *req.StockQuantity)
	if err != nil {
		respondError(c, err)
		return
	}

	respond(c, http.StatusOK, gin.H{"product": product}, "Stock updated")
}
