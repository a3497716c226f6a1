// Package models holds the GORM models of the ledger tables. Domain types in
// internal/domain/ledger stay free of ORM tags; the mappers in ledger.go
// convert between the two.
//
// The PostgreSQL schema is owned by the SQL files under migrations/. The
// models mirror it so that SQLite, used in development and tests, can be
// created with AutoMigrate.
package models
