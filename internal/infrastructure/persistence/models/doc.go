// Package models contains GORM-specific persistence models that map to
// database tables. These models are kept separate from domain entities so the
// domain layer stays free of ORM concerns; mappers convert between the two.
//
// Structure:
// - base.go: BaseModel shared by all persistence models
// - metering.go: pack ledger and usage event models
package models
