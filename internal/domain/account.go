package domain

import "time"

// Contractor is a field worker who can receive offers
type Contractor struct {
	ID                string
	Active            bool
	Approved          bool
	TradeCategories   []string
	AutomotiveCapable bool
	Country           string
	RegionCode        string
	Latitude          *float64
	Longitude         *float64
	ServiceRadiusKm   *float64
	LastCompletedAt   *time.Time
}

// HasCategory reports whether the contractor works in the given trade category
func (c *Contractor) HasCategory(category string) bool {
	for _, tc := range c.TradeCategories {
		if tc == category {
			return true
		}
	}
	return false
}

// Router is the intermediary who claims published jobs and offers them out
type Router struct {
	ID         string `db:"id"`
	Country    string `db:"country"`
	RegionCode string `db:"region_code"`
	Active     bool   `db:"active"`
}

// Role is the authenticated role of the actor performing an operation
type Role string

const (
	RoleRouter     Role = "router"
	RoleContractor Role = "contractor"
	RoleAdmin      Role = "admin"
	RoleSystem     Role = "system"
	RoleCustomer   Role = "customer"
)

// Actor is the identity supplied by the request layer
type Actor struct {
	ID   string
	Role Role
}

// SystemActor is used for transitions made by background processes
var SystemActor = Actor{ID: "system", Role: RoleSystem}
