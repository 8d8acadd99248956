package model

import (
	"time"

	"gorm.io/datatypes"
)

// NetworkRequirement names one network a release needs and the access class
// whose pool its subnet is carved from.
type NetworkRequirement struct {
	Name   string `json:"name"`
	Access string `json:"access"`
}

// Release is an installable OpenStack-like distribution. It is treated as
// immutable once a cluster references it.
type Release struct {
	ID          uint                                    `gorm:"primaryKey" json:"id"`
	Name        string                                  `gorm:"size:100;uniqueIndex:idx_release_name_version" json:"name"`
	Version     string                                  `gorm:"size:30;uniqueIndex:idx_release_name_version" json:"version"`
	Description string                                  `gorm:"type:text" json:"description,omitempty"`
	Networks    datatypes.JSONSlice[NetworkRequirement] `gorm:"column:networks_metadata" json:"networks_metadata"`
	CreatedAt   time.Time                               `json:"created_at"`
	UpdatedAt   time.Time                               `json:"updated_at"`
}
