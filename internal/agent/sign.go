package agent

import (
	"context"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/ssh"

	"github.com/zach-source/vaultagent/internal/policy"
	"github.com/zach-source/vaultagent/internal/prompt"
	"github.com/zach-source/vaultagent/internal/protocol"
	"github.com/zach-source/vaultagent/internal/vault"
)

const signPromptFormat = "SSH Agent: Sign request for %q, approve?"

func (d *Dispatcher) signRequest(ctx context.Context, req *request) (protocol.Frame, error) {
	body, err := protocol.ParseSignRequest(req.frame)
	if err != nil {
		return protocol.Frame{}, err
	}

	token, err := d.opts.Sessions.GetSession(ctx, "")
	if err != nil {
		return protocol.Frame{}, fmt.Errorf("%w: %w", ErrNoSession, err)
	}
	items, err := d.opts.Items.GetWithToken(ctx, token)
	if err != nil {
		return protocol.Frame{}, err
	}
	keys := deriveKeys(items, req.logger)
	d.refreshKeyCache(req, keys)

	key, ok := findKey(keys, body.KeyBlob)
	if !ok {
		return protocol.Frame{}, ErrKeyNotFound
	}
	logger := req.logger.With("key", key.name())

	if err := d.authorize(req, policy.SignAction(key.name())); err != nil {
		return protocol.Frame{}, err
	}
	approved := prompt.Confirm(ctx, d.opts.Prompter, fmt.Sprintf(signPromptFormat, key.name()), d.opts.PromptTimeout)
	d.opts.Audit.LogSignDecision(req.conn.Peer, req.conn.ID, key.name(), approved)
	if !approved {
		return protocol.Frame{}, fmt.Errorf("%w: sign with %q", ErrRequestDenied, key.name())
	}

	priv, _ := key.item.Field(vault.FieldPrivateKey)
	sig, err := signData([]byte(priv), body.Data, body.Flags)
	if err != nil {
		return protocol.Frame{}, fmt.Errorf("sign with %q: %w", key.name(), err)
	}
	logger.Info("signed", "flags", body.Flags, "peer", req.conn.Peer)
	return protocol.MarshalSignResponse(sig), nil
}

// signData signs data with the PEM encoded private key. RSA keys pick the
// hash from flags; other key types use their inherent digest. Flags 2 and 4
// return the SSH signature encoding, anything else the bare signature blob.
func signData(privatePEM, data []byte, flags uint32) ([]byte, error) {
	raw, err := ssh.ParseRawPrivateKey(privatePEM)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(raw)
	if err != nil {
		return nil, fmt.Errorf("signer: %w", err)
	}

	var sig *ssh.Signature
	if signer.PublicKey().Type() == ssh.KeyAlgoRSA {
		as, ok := signer.(ssh.AlgorithmSigner)
		if !ok {
			return nil, fmt.Errorf("rsa signer does not support algorithm selection")
		}
		sig, err = as.SignWithAlgorithm(rand.Reader, data, rsaAlgorithm(flags))
	} else {
		sig, err = signer.Sign(rand.Reader, data)
	}
	if err != nil {
		return nil, err
	}

	if flags == protocol.SignatureFlagRSASHA256 || flags == protocol.SignatureFlagRSASHA512 {
		return ssh.Marshal(sig), nil
	}
	return sig.Blob, nil
}

func rsaAlgorithm(flags uint32) string {
	switch flags {
	case protocol.SignatureFlagRSASHA512:
		return ssh.KeyAlgoRSASHA512
	case protocol.SignatureFlagRSASHA256:
		return ssh.KeyAlgoRSASHA256
	}
	return ssh.KeyAlgoRSA
}
