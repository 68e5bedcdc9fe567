// Package catalog holds the derived-field rules for products. Every function
// takes a value and returns a new one; callers run them explicitly before a
// product is written.
package catalog

import (
	"math"
	"strings"

	"github.com/safar/storefront/internal/apperr"
	"github.com/safar/storefront/internal/models"
)

const (
	MaxNameLength        = 100
	MaxDescriptionLength = 1000
	MaxCommentLength     = 500
	MinRating            = 1
	MaxRating            = 5
)

var (
	ErrDuplicateReview = apperr.New(apperr.KindConflict, "Product already reviewed")
	ErrInvalidRating   = apperr.New(apperr.KindValidation, "Rating must be between 1 and 5")
)

// RecomputeStock sets InStock from StockQuantity.
func RecomputeStock(p models.Product) models.Product {
	p.InStock = p.StockQuantity > 0
	return p
}

// AverageRating is the mean review rating rounded to one decimal, or 0 when
// there are no reviews.
func AverageRating(reviews []models.Review) float64 {
	if len(reviews) == 0 {
		return 0
	}

	total := 0
	for _, r := range reviews {
		total += r.Rating
	}
	avg := float64(total) / float64(len(reviews))
	return math.Round(avg*10) / 10
}

// RecomputeRating sets Rating and NumReviews from Reviews.
func RecomputeRating(p models.Product) models.Product {
	p.Rating = AverageRating(p.Reviews)
	p.NumReviews = len(p.Reviews)
	return p
}

// Prepare applies every derived-field rule.
func Prepare(p models.Product) models.Product {
	return RecomputeRating(RecomputeStock(p))
}

// AddReview returns p with r appended and the rating recomputed. A user may
// review a product once.
func AddReview(p models.Product, r models.Review) (models.Product, error) {
	if err := ValidateReview(r); err != nil {
		return p, err
	}
	for _, existing := range p.Reviews {
		if existing.UserID == r.UserID {
			return p, ErrDuplicateReview
		}
	}

	reviews := make([]models.Review, 0, len(p.Reviews)+1)
	reviews = append(reviews, p.Reviews...)
	reviews = append(reviews, r)
	p.Reviews = reviews

	return RecomputeRating(p), nil
}

func ValidateReview(r models.Review) error {
	var fields []apperr.FieldError
	if r.Rating < MinRating || r.Rating > MaxRating {
		fields = append(fields, apperr.FieldError{Field: "rating", Message: ErrInvalidRating.Message})
	}
	comment := strings.TrimSpace(r.Comment)
	if comment == "" {
		fields = append(fields, apperr.FieldError{Field: "comment", Message: "Comment is required"})
	}
	if len([]rune(comment)) > MaxCommentLength {
		fields = append(fields, apperr.FieldError{Field: "comment", Message: "Comment cannot exceed 500 characters"})
	}
	if len(fields) > 0 {
		return apperr.Validation(fields...)
	}
	return nil
}
