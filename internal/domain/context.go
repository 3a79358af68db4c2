package domain

import "context"

// Context is an alias for context.Context, kept for the same reason the
// teacher's entities.go uses one: every port in this package is declared in
// terms of domain.Context so call sites don't need a second import just to
// spell the parameter type.
type Context = context.Context
