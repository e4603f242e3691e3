package session

import (
	"path/filepath"
	"regexp"

	apperrors "github.com/pseudocoder/pairhost/internal/errors"
)

// MaxIdentityLength bounds identity strings.
const MaxIdentityLength = 128

var identityPattern = regexp.MustCompile(`^[A-Za-z0-9_@+-][A-Za-z0-9._@+-]*$`)

// ValidateIdentity checks that identity can key a session and name its
// credential store on disk.
func ValidateIdentity(identity string) error {
	switch {
	case identity == "":
		return apperrors.IdentityInvalid("identity is required")
	case len(identity) > MaxIdentityLength:
		return apperrors.IdentityInvalid("identity is longer than 128 characters")
	case !identityPattern.MatchString(identity):
		return apperrors.IdentityInvalid("identity may only contain letters, digits and . _ @ + - and must not start with a dot")
	}
	return nil
}

// CredentialPath returns where the credentials for identity live under dir.
func CredentialPath(dir, identity string) string {
	return filepath.Join(dir, identity)
}
