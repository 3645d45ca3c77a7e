package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
)

// Password length bounds. bcrypt silently truncates at 72 bytes, so the
// upper bound is enforced rather than ignored.
const (
	MinPasswordLength = 8
	MaxPasswordLength = 72
)

// ValidatePassword checks the length bounds for a new password.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", models.ErrBadRequest, MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return fmt.Errorf("%w: password must be at most %d characters", models.ErrBadRequest, MaxPasswordLength)
	}
	return nil
}

// HashPassword creates the bcrypt hash stored for a password.
func HashPassword(password string) (string, error) {
	if err := ValidatePassword(password); err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
