// Package models contains shared data models used across the docbatch codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Owner is an accounting firm. Every company, job record and API key belongs to an owner.
type Owner struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Name      string    `db:"name"       json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
