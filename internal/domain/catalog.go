package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Product visibility values.
const (
	VisibilityNotVisible = 1
	VisibilityInCatalog  = 2
	VisibilityInSearch   = 3
	VisibilityBoth       = 4
)

// AllStores is the store id used by catalog rows shared by every store.
const AllStores = 0

// Product is a catalog product as stored in the catalog database.
type Product struct {
	ID               int            `gorm:"primaryKey" json:"id"`
	StoreID          int            `gorm:"not null;default:0;index" json:"store_id"`
	SKU              string         `gorm:"size:64;not null;index" json:"sku"`
	Name             string         `gorm:"size:255;not null" json:"name"`
	Description      string         `gorm:"type:text" json:"description,omitempty"`
	ShortDescription string         `gorm:"type:text" json:"short_description,omitempty"`
	URLKey           string         `gorm:"size:255" json:"url_key,omitempty"`
	Price            float64        `json:"price"`
	Enabled          bool           `gorm:"not null" json:"enabled"`
	Visibility       int            `gorm:"not null;default:4" json:"visibility"`
	InStock          bool           `gorm:"not null" json:"in_stock"`
	ChildSKUs        string         `gorm:"type:text" json:"child_skus,omitempty"`
	Attributes       datatypes.JSON `json:"attributes,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// TableName returns the database table name for Product.
func (Product) TableName() string {
	return "catalog_products"
}

// Category is a catalog category.
type Category struct {
	ID            int       `gorm:"primaryKey" json:"id"`
	StoreID       int       `gorm:"not null;default:0;index" json:"store_id"`
	ParentID      int       `gorm:"index" json:"parent_id"`
	Name          string    `gorm:"size:255;not null" json:"name"`
	Path          string    `gorm:"size:255" json:"path"`
	URLKey        string    `gorm:"size:255" json:"url_key,omitempty"`
	Description   string    `gorm:"type:text" json:"description,omitempty"`
	IsActive      bool      `gorm:"not null" json:"is_active"`
	IncludeInMenu bool      `gorm:"not null" json:"include_in_menu"`
	ProductCount  int       `gorm:"not null;default:0" json:"product_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName returns the database table name for Category.
func (Category) TableName() string {
	return "catalog_categories"
}

// Page is a CMS page.
type Page struct {
	ID         int       `gorm:"primaryKey" json:"id"`
	StoreID    int       `gorm:"not null;default:0;index" json:"store_id"`
	Identifier string    `gorm:"size:255;not null" json:"identifier"`
	Title      string    `gorm:"size:255" json:"title"`
	Content    string    `gorm:"type:text" json:"content,omitempty"`
	IsActive   bool      `gorm:"not null" json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName returns the database table name for Page.
func (Page) TableName() string {
	return "cms_pages"
}

// Suggestion is a past search query offered as a suggestion.
type Suggestion struct {
	ID         int       `gorm:"primaryKey" json:"id"`
	StoreID    int       `gorm:"not null;default:0;index" json:"store_id"`
	QueryText  string    `gorm:"size:255;not null" json:"query_text"`
	NumResults int       `gorm:"not null;default:0" json:"num_results"`
	Popularity int       `gorm:"not null;default:0" json:"popularity"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName returns the database table name for Suggestion.
func (Suggestion) TableName() string {
	return "search_suggestions"
}
