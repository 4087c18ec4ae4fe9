package store

import "errors"

var (
	ErrNotFound     = errors.New("record not found")
	ErrNoSuchEntry  = errors.New("change entry not found")
	ErrMetaNotFound = errors.New("sync meta key not found")
)
