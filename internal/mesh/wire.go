package mesh

import (
	"encoding/json"
	"fmt"
)

// encodeEnvelope marshals an envelope for the wire, encrypting the whole
// document when a cipher is configured.
func encodeEnvelope(env *Envelope, cipher *Cipher) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("mesh: marshal envelope: %w", err)
	}
	if cipher == nil {
		return data, nil
	}
	enc, err := cipher.Encrypt(data)
	if err != nil {
		return nil, err
	}
	return []byte(enc), nil
}

// decodeEnvelope parses a wire message, decrypting first when a cipher is
// configured.
func decodeEnvelope(data []byte, cipher *Cipher) (*Envelope, error) {
	if cipher != nil {
		plain, err := cipher.Decrypt(string(data))
		if err != nil {
			return nil, err
		}
		data = plain
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("mesh: unmarshal envelope: %w", err)
	}
	return &env, nil
}
