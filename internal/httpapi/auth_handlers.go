package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/safar/storefront/internal/auth"
)

type registerRequest struct {
	Name     string `json:"name" validate:"required,min=2,max=50"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

func (s *Server) register(c *gin.Context) {
	var req registerRequest
	if err := bindAndValidate(c, &req, s.validate); err != nil {
		respondError(c, err)
		return
	}

	user, token, err := s.auth.Register(c.Request.Context(), auth.RegisterInput{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	respond(c, http.StatusCreated, gin.H{"user": user, "token": token}, "User registered successfully")
}

func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if err := bindAndValidate(c, &req, s.validate); err != nil {
		respondError(c, err)
		return
	}

	user, token, err := s.auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		respondError(c, err)
		return
	}

	respond(c, http.StatusOK, gin.H{"user": user, "token": token}, "")
}

func (s *Server) me(c *gin.Context) {
	user, err := s.auth.Me(c.Request.Context(), identityOf(c))
	if err != nil {
		respondError(c, err)
		return
	}

	respond(c, http.StatusOK, gin.H{"user": user}, "")
}
