package registry

import "time"

type Manufacturer struct {
	ID   string `json:"id" db:"id"`
	Name string `json:"name" db:"name"`
}

type Product struct {
	ID             string `json:"id" db:"id"`
	ManufacturerID string `json:"manufacturer_id" db:"manufacturer_id"`
	Name           string `json:"name" db:"name"`
	Category       string `json:"category" db:"category"`
}

// Batch is one production run of a product. Its codes are created in the same transaction.
type Batch struct {
	ID             string    `json:"id" db:"id"`
	ManufacturerID string    `json:"manufacturer_id" db:"manufacturer_id"`
	ProductID      string    `json:"product_id" db:"product_id"`
	BatchNumber    string    `json:"batch_number" db:"batch_number"`
	ProductionDate time.Time `json:"production_date" db:"production_date"`
	ExpirationDate time.Time `json:"expiration_date" db:"expiration_date"`
	Quantity       int       `json:"quantity" db:"quantity"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Code is a public serial value printed on one product unit.
//
// Invariants:
// - Value is globally unique (enforced by the storage layer)
// - Used transitions false->true at most once and never reverts
// - codes are never deleted
type Code struct {
	Value          string `json:"value" db:"value"`
	BatchID        string `json:"batch_id,omitempty" db:"batch_id"`
	ManufacturerID string `json:"manufacturer_id" db:"manufacturer_id"`

	// ImageRef points to the scannable QR artifact for this code.
	ImageRef string `json:"image_ref" db:"image_ref"`

	Used      bool       `json:"used" db:"used"`
	UsedAt    *time.Time `json:"used_at,omitempty" db:"used_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// CodeContext is a code together with whatever batch/product/manufacturer rows resolve for it.
// Batch or Product is nil when the code is not mapped to a known product.
type CodeContext struct {
	Code         Code
	Batch        *Batch
	Product      *Product
	Manufacturer *Manufacturer
}

type CreateBatchRequest struct {
	ManufacturerID string    `json:"manufacturer_id"`
	ProductID      string    `json:"product_id"`
	BatchNumber    string    `json:"batch_number"`
	ProductionDate time.Time `json:"production_date"`
	ExpirationDate time.Time `json:"expiration_date"`
	Quantity       int       `json:"quantity"`
}

// BatchStats feeds the batch hygiene component of the trust score.
type BatchStats struct {
	Total   int
	Expired int
}
