package provision

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// KeyFingerprint returns the SHA256 fingerprint of the private key at path.
// For passphrase-protected keys the sibling .pub file is used instead.
func KeyFingerprint(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	signer, err := ssh.ParsePrivateKey(raw)
	if err == nil {
		return ssh.FingerprintSHA256(signer.PublicKey()), nil
	}
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return "", fmt.Errorf("parse %s: %w", path, err)
	}
	if missing.PublicKey != nil {
		return ssh.FingerprintSHA256(missing.PublicKey), nil
	}
	pub, err := os.ReadFile(path + ".pub")
	if err != nil {
		return "", fmt.Errorf("%s is encrypted and has no public key: %w", path, err)
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey(pub)
	if err != nil {
		return "", fmt.Errorf("parse %s.pub: %w", path, err)
	}
	return ssh.FingerprintSHA256(key), nil
}
