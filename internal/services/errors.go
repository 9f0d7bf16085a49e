package services

import "errors"

const errLoggerKey = "err"

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")
