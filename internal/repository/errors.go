package repository

import "errors"

var (
	ErrIdentityNotFound = errors.New("identity not found")
	ErrEmailTaken       = errors.New("email already registered")
	ErrConflict         = errors.New("concurrent update conflict")
)
