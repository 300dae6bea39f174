// Package demo holds the customers database used by the brewkv command and
// the examples.
package demo

import (
	"github.com/beyondbrewing/brewkv/migrate"
	"github.com/beyondbrewing/brewkv/record"
	"github.com/beyondbrewing/brewkv/store"
)

const (
	// DatabaseName is the name of the demo database.
	DatabaseName = "MyTestDatabase"
	// Version is the schema version Request asks for.
	Version = 3
	// Table holds the customers, keyed by ssn.
	Table = "customers"
)

// Customers is the seed data written on first open.
var Customers = []store.Record{
	{"ssn": "444-44-4444", "name": "Bill", "age": 35, "email": "bill@company.com"},
	{"ssn": "555-55-5555", "name": "Donna", "age": 32, "email": "donna@home.org"},
}

// Migrations builds the customers table one version at a time: the table,
// then a name index, then a unique email index.
func Migrations() []migrate.Step {
	return []migrate.Step{
		func(u *migrate.Upgrade) error {
			return u.CreateTable(Table, "ssn", record.KindString,
				migrate.WithField("name", record.KindString),
				migrate.WithField("email", record.KindString),
				migrate.WithField("age", record.KindNumber),
			)
		},
		func(u *migrate.Upgrade) error {
			return u.CreateIndex(Table, "name", "name", false)
		},
		func(u *migrate.Upgrade) error {
			return u.CreateIndex(Table, "email", "email", true)
		},
	}
}

// Seed adds Customers.
func Seed(u *migrate.Upgrade) error {
	for _, c := range Customers {
		if err := u.Add(Table, c); err != nil {
			return err
		}
	}
	return nil
}

// Request opens the demo database at Version.
func Request() store.Request {
	return store.Request{
		Name:       DatabaseName,
		Version:    Version,
		Migrations: Migrations(),
		Seed:       Seed,
	}
}
