package identity

import (
	"errors"

	"github.com/gawulo/marketplace-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateVendor(vendor *types.Vendor) error {
	return d.db.Create(vendor).Error
}

func (d *Database) CreateCustomer(customer *types.Customer) error {
	return d.db.Create(customer).Error
}

func (d *Database) GetVendor(vendorID string) (*types.Vendor, error) {
	var vendor types.Vendor
	if err := d.db.Where("vendor_id = ?", vendorID).First(&vendor).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &vendor, nil
}

func (d *Database) GetVendorByUserID(userID string) (*types.Vendor, error) {
	var vendor types.Vendor
	if err := d.db.Where("user_id = ?", userID).First(&vendor).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &vendor, nil
}

func (d *Database) GetCustomer(customerID string) (*types.Customer, error) {
	var customer types.Customer
	if err := d.db.Where("customer_id = ?", customerID).First(&customer).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &customer, nil
}

func (d *Database) GetCustomerByUserID(userID string) (*types.Customer, error) {
	var customer types.Customer
	if err := d.db.Where("user_id = ?", userID).First(&customer).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &customer, nil
}

func (d *Database) UpdateVendor(vendor *types.Vendor) error {
	return d.db.Save(vendor).Error
}

func (d *Database) CreateProduct(product *types.Product) error {
	return d.db.Create(product).Error
}

func (d *Database) GetProduct(productID string) (*types.Product, error) {
	var product types.Product
	if err := d.db.Where("product_id = ?", productID).First(&product).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &product, nil
}

func (d *Database) ListProductsByVendor(vendorID string) ([]types.Product, error) {
	var products []types.Product
	if err := d.db.Where("vendor_id = ?", vendorID).Order("created_at").Find(&products).Error; err != nil {
		return nil, err
	}
	return products, nil
}
