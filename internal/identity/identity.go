package identity

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gawulo/marketplace-api/internal/types"
	"github.com/gawulo/marketplace-api/pkg/response"
	"gorm.io/gorm"
)

var (
	ErrProfileExists  = errors.New("user already has a profile")
	ErrVendorNotFound = errors.New("vendor not found")
	ErrNotAVendor     = errors.New("user is not a vendor")
)

// RoleKind tags the resolved role of a user.
type RoleKind string

const (
	RoleVendor     RoleKind = "vendor"
	RoleCustomer   RoleKind = "customer"
	RoleUnresolved RoleKind = "unresolved"
)

// Role is the resolved identity of a user: exactly one of vendor or
// customer, or unresolved when the user has neither profile.
type Role struct {
	Kind       RoleKind `json:"kind"`
	VendorID   string   `json:"vendor_id,omitempty"`
	CustomerID string   `json:"customer_id,omitempty"`
}

// Service manages vendor and customer profiles and resolves user roles
type Service struct {
	db *Database
}

// NewService creates a new identity service with the given database connection
func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

// Resolve determines whether a user is a vendor or a customer. Vendor and
// customer profiles are mutually exclusive; vendors are checked first.
func (s *Service) Resolve(userID string) (Role, error) {
	vendor, err := s.db.GetVendorByUserID(userID)
	if err != nil {
		return Role{Kind: RoleUnresolved}, err
	}
	if vendor != nil {
		return Role{Kind: RoleVendor, VendorID: vendor.VendorID}, nil
	}

	customer, err := s.db.GetCustomerByUserID(userID)
	if err != nil {
		return Role{Kind: RoleUnresolved}, err
	}
	if customer != nil {
		return Role{Kind: RoleCustomer, CustomerID: customer.CustomerID}, nil
	}

	return Role{Kind: RoleUnresolved}, nil
}

// RegisterVendor creates a vendor profile for a user without one
func (s *Service) RegisterVendor(userID, businessName string, deliveryFee float64) (*types.Vendor, error) {
	role, err := s.Resolve(userID)
	if err != nil {
		return nil, err
	}
	if role.Kind != RoleUnresolved {
		return nil, ErrProfileExists
	}

	vendor := &types.Vendor{
		VendorID:     uuid.New().String(),
		UserID:       userID,
		BusinessName: businessName,
		DeliveryFee:  deliveryFee,
	}
	if err := s.db.CreateVendor(vendor); err != nil {
		return nil, err
	}
	return vendor, nil
}

// RegisterCustomer creates a customer profile for a user without one
func (s *Service) RegisterCustomer(userID, displayName string) (*types.Customer, error) {
	role, err := s.Resolve(userID)
	if err != nil {
		return nil, err
	}
	if role.Kind != RoleUnresolved {
		return nil, ErrProfileExists
	}

	customer := &types.Customer{
		CustomerID:  uuid.New().String(),
		UserID:      userID,
		DisplayName: displayName,
	}
	if err := s.db.CreateCustomer(customer); err != nil {
		return nil, err
	}
	return customer, nil
}

// GetVendor retrieves a vendor by its public ID
func (s *Service) GetVendor(vendorID string) (*types.Vendor, error) {
	return s.db.GetVendor(vendorID)
}

// GetCustomer retrieves a customer by its public ID
func (s *Service) GetCustomer(customerID string) (*types.Customer, error) {
	return s.db.GetCustomer(customerID)
}

// CreateProduct adds a product to the catalogue of the vendor owned by userID
func (s *Service) CreateProduct(userID, name string, price float64) (*types.Product, error) {
	vendor, err := s.db.GetVendorByUserID(userID)
	if err != nil {
		return nil, err
	}
	if vendor == nil {
		return nil, ErrNotAVendor
	}

	product := &types.Product{
		ProductID: uuid.New().String(),
		VendorID:  vendor.VendorID,
		Name:      name,
		Price:     price,
		Available: true,
	}
	if err := s.db.CreateProduct(product); err != nil {
		return nil, err
	}
	return product, nil
}

// GetProduct retrieves a product by its public ID
func (s *Service) GetProduct(productID string) (*types.Product, error) {
	return s.db.GetProduct(productID)
}

// ListProducts lists a vendor's catalogue
func (s *Service) ListProducts(vendorID string) ([]types.Product, error) {
	return s.db.ListProductsByVendor(vendorID)
}

// GinHandlers contains HTTP handlers for profile and catalogue endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for identity endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

type registerVendorRequest struct {
	BusinessName string  `json:"business_name" binding:"required"`
	DeliveryFee  float64 `json:"delivery_fee"`
}

type registerCustomerRequest struct {
	DisplayName string `json:"display_name" binding:"required"`
}

type createProductRequest struct {
	Name  string  `json:"name" binding:"required"`
	Price float64 `json:"price" binding:"required,gt=0"`
}

// RegisterVendorHandler handles POST requests to create a vendor profile
func (h *GinHandlers) RegisterVendorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerVendorRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		vendor, err := h.service.RegisterVendor(c.GetString("userID"), req.BusinessName, req.DeliveryFee)
		if err == ErrProfileExists {
			response.Conflict(c, err.Error())
			return
		}
		response.Handle(c, vendor, err)
	}
}

// RegisterCustomerHandler handles POST requests to create a customer profile
func (h *GinHandlers) RegisterCustomerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerCustomerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		customer, err := h.service.RegisterCustomer(c.GetString("userID"), req.DisplayName)
		if err == ErrProfileExists {
			response.Conflict(c, err.Error())
			return
		}
		response.Handle(c, customer, err)
	}
}

// MeHandler handles GET requests for the caller's resolved role
func (h *GinHandlers) MeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		role, err := h.service.Resolve(c.GetString("userID"))
		response.Handle(c, role, err)
	}
}

// CreateProductHandler handles POST requests to add a product to the
// caller's vendor catalogue
func (h *GinHandlers) CreateProductHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createProductRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		product, err := h.service.CreateProduct(c.GetString("userID"), req.Name, req.Price)
		if err == ErrNotAVendor {
			response.Forbidden(c, err.Error())
			return
		}
		response.Handle(c, product, err)
	}
}

// ListProductsHandler handles GET requests for a vendor's catalogue
func (h *GinHandlers) ListProductsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		vendorID := c.Param("vendor_id")
		if vendorID == "" {
			response.BadRequest(c, "Vendor ID is required")
			return
		}

		vendor, err := h.service.GetVendor(vendorID)
		if err != nil || vendor == nil {
			response.NotFound(c, "Vendor not found")
			return
		}

		products, err := h.service.ListProducts(vendorID)
		response.Handle(c, products, err)
	}
}
