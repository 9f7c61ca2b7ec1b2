package bakes

import "errors"

var (
	ErrNotFound         = errors.New("bake not found")
	ErrAlreadyCompleted = errors.New("bake already completed")
	ErrInvalidRecipe    = errors.New("invalid recipe")
)
