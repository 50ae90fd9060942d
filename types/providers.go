package types

type Operation int

const (
	OperationRead Operation = iota
	OperationWrite
)

func (o Operation) String() string {
	if o == OperationWrite {
		return "write"
	}
	return "read"
}

const (
	ReadAccessOpen  = "open"
	ReadAccessGated = "gated"
)

// Credentials as presented in an Authorization header.
type Credentials struct {
	Scheme   string
	Username string
	Secret   string
	Token    string
}

func (c Credentials) Empty() bool {
	return c.Scheme == ""
}

type AuthProviderManager interface {
	LifecycleManager
	Register(name string, provider AuthProvider) error
	Authorize(creds Credentials, op Operation) bool
	Realm() string
}

type AuthProvider interface {
	Type() string
	Verify(creds Credentials) bool
}
