package signature

import (
	"fmt"

	"golang.org/x/crypto/ssh"
)

// SSHSigner identifies a plugin signer distributed as an SSH certificate
// rather than an X.509 leaf certificate. Some marketplaces distribute
// plugin signers this way; parsing and verification stays in-process
// (no shelling out to ssh-keygen).
type SSHSigner struct {
	Certificate *ssh.Certificate
	PublicKey   ssh.PublicKey
}

// ParseSSHSigner parses an authorized-keys-format line carrying an SSH
// certificate and returns the signer it describes.
func ParseSSHSigner(authorizedKeyLine []byte) (*SSHSigner, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey(authorizedKeyLine)
	if err != nil {
		return nil, fmt.Errorf("signature: parse ssh signer: %w", err)
	}

	cert, ok := pub.(*ssh.Certificate)
	if !ok {
		return nil, fmt.Errorf("signature: ssh key is not a certificate")
	}

	return &SSHSigner{Certificate: cert, PublicKey: cert.Key}, nil
}

// VerifySSHSignature checks a wire-format SSH signature over payload using
// the signer's certified public key.
func (s *SSHSigner) VerifySSHSignature(payload []byte, sig *ssh.Signature) error {
	if s.PublicKey == nil {
		return fmt.Errorf("signature: ssh signer has no public key")
	}
	return s.PublicKey.Verify(payload, sig)
}

// Thumbprint returns the fingerprint of the certified public key, usable
// as an Envelope.SignerThumbprint.
func (s *SSHSigner) Thumbprint() string {
	return ssh.FingerprintSHA256(s.PublicKey)
}
