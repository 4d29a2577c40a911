package smtp

import (
	"encoding/base64"

	"github.com/emersion/go-sasl"
)

// SupportedSASLMechanisms returns the SASL mechanisms this server
// implements. Only PLAIN is implemented, matching spec.md's StartTLS
// row (AUTH PLAIN is the only supported AUTH form). The EHLO reply is a
// bare "250 OK" and does not list them.
func SupportedSASLMechanisms() []string {
	return []string{sasl.Plain}
}

// decodePlainCredentials decodes a base64-encoded SASL PLAIN response
// and extracts the authentication identity and password using
// go-sasl's server-side PLAIN mechanism, rather than hand-splitting on
// NUL bytes.
func decodePlainCredentials(b64cred string) (user, pass string, err error) {
	decoded, err := base64.StdEncoding.DecodeString(b64cred)
	if err != nil {
		return "", "", err
	}

	var gotUser, gotPass string
	server := sasl.NewPlainServer(func(identity, username, password string) error {
		gotUser, gotPass = username, password
		return nil
	})
	if _, _, err := server.Next(decoded); err != nil {
		return "", "", err
	}
	return gotUser, gotPass, nil
}
