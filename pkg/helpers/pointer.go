package helpers

// ToPtr returns a pointer to a copy of v.
func ToPtr[T any](v T) *T {
	return &v
}

// NonEmptyPtr returns nil for the zero value of T, a pointer to a copy of v
// otherwise. Optional string fields of stored records use it.
func NonEmptyPtr[T comparable](v T) *T {
	var zero T
	if v == zero {
		return nil
	}
	return &v
}
