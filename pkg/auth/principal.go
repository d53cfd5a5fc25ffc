package auth

// Principal is the authenticated identity behind a request.
// It is either a LocalPrincipal or a ServiceAccountPrincipal.
type Principal interface {
	// SubjectID is the user id placed in the token subject
	SubjectID() int64
	principal()
}

// LocalPrincipal is a user that signed in with a password or an external provider
type LocalPrincipal struct {
	User *User
}

func (p LocalPrincipal) SubjectID() int64 { return p.User.ID }
func (LocalPrincipal) principal()         {}

// ServiceAccountPrincipal is a machine identity acting for its owner
type ServiceAccountPrincipal struct {
	Account *ServiceAccount
	Owner   *User
}

func (p ServiceAccountPrincipal) SubjectID() int64 { return p.Owner.ID }
func (ServiceAccountPrincipal) principal()         {}
