package pinmesh

import (
	"github.com/TheusHen/pinmesh/pinmesh/envelope"
	"github.com/TheusHen/pinmesh/pinmesh/metrics"
)

// Seal encrypts plaintext from this node to recipients.
func (n *Node) Seal(recipients []envelope.Recipient, plaintext []byte, opts ...envelope.Option) ([]byte, error) {
	env, err := envelope.Encrypt(n.id, recipients, plaintext, opts...)
	if err != nil {
		n.metrics.Envelope("seal", metrics.ResultError)
		return nil, err
	}
	n.metrics.Envelope("seal", metrics.ResultOK)
	return env.Marshal(), nil
}

// Open decrypts an envelope addressed to this node.
func (n *Node) Open(sealed []byte) ([]byte, error) {
	pt, err := envelope.DecryptBytes(n.id, sealed)
	if err != nil {
		n.metrics.Envelope("open", metrics.ResultError)
		return nil, err
	}
	n.metrics.Envelope("open", metrics.ResultOK)
	return pt, nil
}

// Recipient returns the envelope recipient entry for this node.
func (n *Node) Recipient() envelope.Recipient { return envelope.RecipientOf(n.id) }
