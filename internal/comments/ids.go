package comments

import "github.com/google/uuid"

// UUIDProvider issues time-ordered UUIDv7 identifiers for comments.
type UUIDProvider struct{}

// NewID returns a fresh UUIDv7 string.
func (UUIDProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
