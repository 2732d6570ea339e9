package custody

import (
	"context"
	"crypto/ecdh"
)

// Gate controls access to private keys.
//
// Implementations return errors wrapping ErrAuthCanceled when the user aborts a prompt
// and ErrAuthFailed when the user could not be authenticated.
type Gate interface {
	// Available returns true if the Gate can authenticate the user.
	Available() bool

	// Binding returns the current Gate Binding without requiring user presence.
	// It is used to seal newly generated keys.
	Binding(ctx context.Context) (Binding, error)

	// Authenticate prompts the user and returns a Grant for the current enrollment.
	Authenticate(ctx context.Context, prompt Prompt) (Grant, error)
}

// Binding ties sealed keys to a Gate enrollment.
//
// Keys are sealed to PublicKey, they become unusable once the Gate enrollment changes.
type Binding struct {
	EnrollmentId string
	PublicKey    *ecdh.PublicKey // X25519
}

// Grant is obtained by a successful Gate authentication. Its PrivateKey opens keys
// sealed to the matching Binding.
type Grant struct {
	EnrollmentId string
	PrivateKey   *ecdh.PrivateKey // X25519
}

// Prompt describes an authentication request.
type Prompt struct {
	ServerId string
	Title    string
}
