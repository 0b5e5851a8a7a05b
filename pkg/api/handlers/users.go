package handlers

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/partnerhub/api/pkg/api/errors"
	"github.com/partnerhub/api/pkg/models"
	"github.com/partnerhub/api/pkg/users"
)

// UserHandler handles user records
type UserHandler struct {
	users     *users.Service
	validator *validator.Validate
}

// NewUserHandler creates a new user handler
func NewUserHandler(userSvc *users.Service) *UserHandler {
	return &UserHandler{
		users:     userSvc,
		validator: validator.New(),
	}
}

// Create godoc
// @Summary Create a user
// @Tags Users
// @Accept json
// @Produce json
// @Param request body models.CreateUserRequest true "User"
// @Success 201 {object} users.User
// @Failure 400 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse "Email already registered"
// @Router /users [post]
func (h *UserHandler) Create(c echo.Context) error {
	var req models.CreateUserRequest
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}
	if err := h.validator.Struct(req); err != nil {
		return errors.ValidationError(c, err)
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	user, err := h.users.Create(ctx, req.Email, req.Name)
	if err != nil {
		return errors.FromDomain(c, err)
	}
	return c.JSON(http.StatusCreated, models.DataResponse{Message: "User created", Data: user})
}

// Get returns a user with their per-role application status.
func (h *UserHandler) Get(c echo.Context) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	user, err := h.users.Get(ctx, c.Param("id"))
	if err != nil {
		return errors.FromDomain(c, err)
	}
	return c.JSON(http.StatusOK, models.DataResponse{Message: "User retrieved", Data: user})
}
