package server

// User identifies an authenticated account bound to a session.
type User struct {
	address   Address
	accountID int64
}

func NewUser(address Address, accountID int64) *User {
	return &User{
		address:   address,
		accountID: accountID,
	}
}

func (u *User) AccountID() int64 {
	return u.accountID
}

func (u *User) FullAddress() string {
	return u.address.FullAddress()
}

func (u *User) LocalPart() string {
	return u.address.LocalPart()
}

func (u *User) Domain() string {
	return u.address.Domain()
}
