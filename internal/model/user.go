package model

// Contact is the subset of a user record needed to notify them.  Users are
// owned by the auth service; this service only reads them.
type Contact struct {
	ID    uint64 // users.id
	Email string // users.email
	Name  string // users.name
}
