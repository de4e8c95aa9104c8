// Package keyutil validates and normalizes storage keys and record ids.
package keyutil

import (
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/qrclock/attendcore/pkg/errclass"
)

var keyRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

const maxIDLength = 128

// ValidateKey checks a storage key (collection name). Keys double as file
// names in the file backend, so they are restricted to [a-z0-9._-].
func ValidateKey(key string) error {
	if key == "" {
		return errclass.ErrNameInvalid.WithMessage("key must not be empty")
	}
	if strings.Contains(key, "..") {
		return errclass.ErrNameInvalid.WithMessagef("key must not contain '..': %s", key)
	}
	if !keyRegex.MatchString(key) {
		return errclass.ErrNameInvalid.WithMessagef("key must match [a-z0-9._-]+: %s", key)
	}
	return nil
}

// NormalizeID NFC-normalizes and trims a record id.
func NormalizeID(id string) string {
	return norm.NFC.String(strings.TrimSpace(id))
}

// ValidateID checks a record id after normalization. Ids are free-form
// (QR payloads, employee numbers) but must be printable and bounded.
func ValidateID(id string) error {
	if id == "" {
		return errclass.ErrNameInvalid.WithMessage("id must not be empty")
	}
	if len(id) > maxIDLength {
		return errclass.ErrNameInvalid.WithMessagef("id longer than %d bytes", maxIDLength)
	}
	if !norm.NFC.IsNormalString(id) {
		return errclass.ErrNameInvalid.WithMessagef("id is not NFC-normalized: %q", id)
	}
	for _, r := range id {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return errclass.ErrNameInvalid.WithMessagef("id must not contain control or space characters: %q", id)
		}
	}
	return nil
}

// FileName maps a validated key to a file path under dir and verifies it
// does not escape dir.
func FileName(dir, key, ext string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	root := filepath.Clean(dir)
	path := filepath.Join(root, key+ext)
	if filepath.Dir(path) != root {
		return "", errclass.ErrNameInvalid.WithMessagef("key escapes storage dir: %s", key)
	}
	return path, nil
}
