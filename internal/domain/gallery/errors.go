package gallery

import "errors"

var (
	ErrIdentityNotFound = errors.New("identity not found")
	ErrIdentityExists   = errors.New("identity already enrolled")
	ErrInvalidEmbedding = errors.New("invalid embedding")
	ErrInvalidIdentity  = errors.New("invalid identity")
)
