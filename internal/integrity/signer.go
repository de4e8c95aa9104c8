// Package integrity signs and verifies the critical fields of evidence
// records, and signs backup data blocks.
//
// Signatures are HMAC-SHA256 over the canonical JSON projection of a fixed
// field set. Record and backup keys are derived from one secret with HKDF
// so a leaked backup signature cannot be replayed onto a record.
package integrity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/qrclock/attendcore/pkg/errclass"
	"github.com/qrclock/attendcore/pkg/jsonutil"
	"github.com/qrclock/attendcore/pkg/model"
)

var criticalFields = map[model.Collection][]string{
	model.CollectionClockRecords:    {"userId", "positionId", "startTime", "endTime", "date", "status", "pauses"},
	model.CollectionAbsenceRequests: {"userId", "type", "startDate", "endDate", "status", "approvedBy"},
}

// CriticalFields returns the signed field set of a collection.
func CriticalFields(c model.Collection) ([]string, bool) {
	f, ok := criticalFields[c]
	if !ok {
		return nil, false
	}
	return append([]string(nil), f...), true
}

// IsSigned reports whether records of c carry signatures.
func IsSigned(c model.Collection) bool {
	_, ok := criticalFields[c]
	return ok
}

// Signer computes keyed digests.
type Signer struct {
	recordKey []byte
	backupKey []byte
}

// NewSigner derives the record and backup keys from secret. keyContext
// separates deployments sharing a secret.
func NewSigner(secret []byte, keyContext string) (*Signer, error) {
	if len(secret) == 0 {
		return nil, errclass.ErrConfigInvalid.WithMessage("signing secret must not be empty")
	}
	rk, err := deriveKey(secret, keyContext+"/record")
	if err != nil {
		return nil, err
	}
	bk, err := deriveKey(secret, keyContext+"/backup")
	if err != nil {
		return nil, err
	}
	return &Signer{recordKey: rk, backupKey: bk}, nil
}

func deriveKey(secret []byte, info string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", info, err)
	}
	return key, nil
}

// Sign returns the signature of rec's critical fields.
func (s *Signer) Sign(c model.Collection, rec model.Record) (model.HashValue, error) {
	fields, ok := criticalFields[c]
	if !ok {
		return "", fmt.Errorf("collection %s is not signed", c)
	}
	payload := rec.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := jsonutil.Project(payload, fields)
	if err != nil {
		return "", fmt.Errorf("canonical projection: %w", err)
	}
	return mac(s.recordKey, data), nil
}

// Verify reports whether rec carries a signature matching its critical
// fields. Unsigned records do not verify.
func (s *Signer) Verify(c model.Collection, rec model.Record) (bool, error) {
	if rec.Signature == "" {
		return false, nil
	}
	want, err := s.Sign(c, rec)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(want), []byte(rec.Signature)), nil
}

// HasBeenTampered is the negation of Verify.
func (s *Signer) HasBeenTampered(c model.Collection, rec model.Record) (bool, error) {
	ok, err := s.Verify(c, rec)
	return !ok, err
}

// State classifies a record as verified, tampered or unsigned.
func (s *Signer) State(c model.Collection, rec model.Record) (model.IntegrityState, error) {
	if rec.Signature == "" {
		return model.IntegrityUnsigned, nil
	}
	ok, err := s.Verify(c, rec)
	if err != nil {
		return "", err
	}
	if !ok {
		return model.IntegrityTampered, nil
	}
	return model.IntegrityVerified, nil
}

// SignBytes signs canonical data with the backup key.
func (s *Signer) SignBytes(data []byte) model.HashValue {
	return mac(s.backupKey, data)
}

// VerifyBytes checks a SignBytes signature in constant time.
func (s *Signer) VerifyBytes(data []byte, sig model.HashValue) bool {
	return hmac.Equal([]byte(mac(s.backupKey, data)), []byte(sig))
}

func mac(key, data []byte) model.HashValue {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return model.HashValue(hex.EncodeToString(h.Sum(nil)))
}
