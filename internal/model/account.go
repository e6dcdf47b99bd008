package model

// Credentials are sent to log in.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Registration creates a new account.
type Registration struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// User is an account record returned by the backend.
type User struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Login is a successful login reply. Token is opaque.
type Login struct {
	Token string `json:"token"`
	User  *User  `json:"user,omitempty"`
}

// Ack is a reply of operations that don't return an entity.
type Ack struct {
	Message string `json:"message,omitempty"`
}

// Message is a text sent to a device.
type Message struct {
	Message string `json:"message"`
}

// ApplicationInfo describes the running build.
type ApplicationInfo struct {
	Revision    string
	Branch      string
	Environment string
}
