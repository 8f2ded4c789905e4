package presence

// Exclude filters connections out of a fan-out.
type Exclude func(Conn) bool

// ExceptConn skips the connection with the given id. An empty id matches nothing.
func ExceptConn(id string) Exclude {
	return func(c Conn) bool { return id != "" && c.ID() == id }
}

// ExceptUser skips every connection of userID.
func ExceptUser(userID int) Exclude {
	return func(c Conn) bool { return c.UserID() == userID }
}
