package models

import (
	"encoding/json"
	"time"
)

// EntityType distinguishes the two kinds of reconcilable records
type EntityType string

const (
	EntityTypeMember       EntityType = "member"
	EntityTypeOrganization EntityType = "organization"
)

func (t EntityType) Valid() bool {
	return t == EntityTypeMember || t == EntityTypeOrganization
}

// Entity is a member or organization record
type Entity struct {
	ID          string          `json:"id" db:"id"`
	TenantID    string          `json:"tenant_id" db:"tenant_id"`
	Type        EntityType      `json:"entity_type" db:"entity_type"`
	DisplayName string          `json:"display_name" db:"display_name"`
	Attributes  json.RawMessage `json:"attributes,omitempty" db:"attributes"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
	DeletedAt   *time.Time      `json:"deleted_at,omitempty" db:"deleted_at"`
}

func (e Entity) IsDeleted() bool {
	return e.DeletedAt != nil
}

// Identity is a (platform, type, value) handle owned by one entity
type Identity struct {
	ID         string     `json:"id" db:"id"`
	TenantID   string     `json:"tenant_id" db:"tenant_id"`
	EntityID   string     `json:"entity_id" db:"entity_id"`
	EntityType EntityType `json:"entity_type" db:"entity_type"`
	Platform   string     `json:"platform" db:"platform"`
	Type       string     `json:"type" db:"type"`
	Value      string     `json:"value" db:"value"`
	Verified   bool       `json:"verified" db:"verified"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}

// IdentityKey identifies an identity independent of its owner
type IdentityKey struct {
	Platform string
	Type     string
	Value    string
}

func (i Identity) Key() IdentityKey {
	return IdentityKey{Platform: i.Platform, Type: i.Type, Value: i.Value}
}
