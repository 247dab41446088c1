// Package verify implements block verification: a cheap local defense
// against bitflips and wrong or stale content keys, plus the
// computation of the per-block token the server validates without ever
// decrypting content.
package verify

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ProtonDriveApps/sdk-sub001/api"
	"github.com/ProtonDriveApps/sdk-sub001/blockcrypto"
	"github.com/ProtonDriveApps/sdk-sub001/constants"
	"github.com/ProtonDriveApps/sdk-sub001/sdkerrors"
)

// Verifier holds the per-revision verification code, fetched once and
// cached for the life of the revision draft. It is never persisted.
type Verifier struct {
	code       []byte
	contentKey blockcrypto.SessionKey
	cipher     blockcrypto.Cipher
	log        zerolog.Logger
}

// New fetches the revision's verification code. A failure here must
// fail draft creation: no blocks may be uploaded without the code.
func New(ctx context.Context, transport api.Transport, revisionUID string, contentKey blockcrypto.SessionKey, logger zerolog.Logger) (*Verifier, error) {
	code, err := transport.FetchVerificationCode(ctx, revisionUID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch verification code: %w", err)
	}
	if len(code) == 0 {
		return nil, sdkerrors.NewIntegrity("fetch verification code", errors.New("server returned an empty code"))
	}
	return &Verifier{
		code:       code,
		contentKey: contentKey,
		cipher:     blockcrypto.Cipher{},
		log:        logger.With().Str("revision", revisionUID).Logger(),
	}, nil
}

// PrefixLength is the number of leading plaintext bytes the pipeline
// must capture per block for the probe comparison.
func (v *Verifier) PrefixLength() int {
	return constants.PlaintextPrefixLength
}

// VerifyBlock checks a candidate ciphertext block and returns its
// verification token.
//
// The probe decrypts the block locally: a cryptographic failure here
// is a strong corruption signal caught before any bandwidth is spent.
// The decrypted output must also start with the plaintext prefix
// captured when the block was read, which catches encryption with a
// wrong or stale key.
//
// The token is the verification code XORed with the ciphertext prefix,
// zero-padding the ciphertext side when the block is shorter than the
// code.
func (v *Verifier) VerifyBlock(ciphertext, plainPrefix []byte) ([]byte, error) {
	plain, err := v.cipher.DecryptBlock(ciphertext, v.contentKey)
	if err != nil {
		return nil, sdkerrors.NewIntegrity("verify block", fmt.Errorf("local decryption probe failed: %w", err))
	}
	if !bytes.HasPrefix(plain, plainPrefix) {
		return nil, sdkerrors.NewIntegrity("verify block", errors.New("decrypted prefix does not match captured plaintext"))
	}

	token := make([]byte, len(v.code))
	for i := range token {
		var c byte
		if i < len(ciphertext) {
			c = ciphertext[i]
		}
		token[i] = v.code[i] ^ c
	}
	return token, nil
}
