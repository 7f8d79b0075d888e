package registry

type notFoundError struct{ id string }

func (e notFoundError) Error() string { return "deployment not found: " + e.id }

// ErrNotFound builds a not-found error for id.
func ErrNotFound(id string) error { return notFoundError{id: id} }

// IsNotFound reports whether err refers to an unknown deployment id.
func IsNotFound(err error) bool {
	_, ok := err.(notFoundError)
	return ok
}

type existsError struct{ id string }

func (e existsError) Error() string { return "deployment already exists: " + e.id }

// IsExists reports whether Create hit a duplicate id.
func IsExists(err error) bool {
	_, ok := err.(existsError)
	return ok
}
