// models/user.go
package models

// User is the account view the scoring core needs. Accounts are owned by the
// platform's account store; the core only ever increments Points.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Points   int64  `json:"points"`
}
