package cryptoops

import (
	"bytes"
	"crypto/rsa"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrAlreadyEncrypted = errors.New("packet is already encrypted")
	ErrNotEncrypted     = errors.New("packet is not encrypted")
)

const maxPacketSize = 1 << 26 // 64MB

// DataPacket is a hybrid-encrypted envelope. In the clear state Payload is
// plaintext and SymKey a raw Fernet key; after Encrypt, Payload is Fernet
// ciphertext and SymKey the RSA-OAEP wrapping of the original key.
type DataPacket struct {
	Payload   []byte
	SymKey    []byte
	Encrypted bool
}

// NewDataPacket wraps a plaintext payload with a fresh random symmetric key.
func NewDataPacket(payload []byte) (*DataPacket, error) {
	key, err := CreateKey(nil)
	if err != nil {
		return nil, err
	}
	return &DataPacket{Payload: payload, SymKey: key}, nil
}

// Encrypt seals the packet in place: the payload under the symmetric key,
// then the symmetric key under the given public key.
func (p *DataPacket) Encrypt(pub *rsa.PublicKey) error {
	if p.Encrypted {
		return ErrAlreadyEncrypted
	}
	payload, err := SymmetricEncrypt(p.Payload, p.SymKey)
	if err != nil {
		return err
	}
	symKey, err := EncryptOAEP(p.SymKey, pub)
	if err != nil {
		return err
	}
	p.Payload = payload
	p.SymKey = symKey
	p.Encrypted = true
	return nil
}

// Decrypt opens the packet in place, reversing Encrypt.
func (p *DataPacket) Decrypt(priv *rsa.PrivateKey) error {
	if !p.Encrypted {
		return ErrNotEncrypted
	}
	symKey, err := DecryptOAEP(p.SymKey, priv)
	if err != nil {
		return err
	}
	payload, err := SymmetricDecrypt(p.Payload, symKey)
	if err != nil {
		return err
	}
	p.Payload = payload
	p.SymKey = symKey
	p.Encrypted = false
	return nil
}

// Marshal encodes the packet as three length-prefixed byte strings:
// payload, symmetric key, and a one-byte encrypted flag.
func (p *DataPacket) Marshal() []byte {
	var buf bytes.Buffer
	writeLengthPrefixed(&buf, p.Payload)
	writeLengthPrefixed(&buf, p.SymKey)
	flag := []byte{0}
	if p.Encrypted {
		flag[0] = 1
	}
	writeLengthPrefixed(&buf, flag)
	return buf.Bytes()
}

// UnmarshalDataPacket decodes a packet produced by Marshal.
func UnmarshalDataPacket(data []byte) (*DataPacket, error) {
	r := bytes.NewReader(data)
	payload, err := readLengthPrefixed(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	symKey, err := readLengthPrefixed(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	flag, err := readLengthPrefixed(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if len(flag) != 1 || flag[0] > 1 {
		return nil, fmt.Errorf("%w: malformed encrypted flag", ErrInvalidCiphertext)
	}
	return &DataPacket{
		Payload:   payload,
		SymKey:    symKey,
		Encrypted: flag[0] == 1,
	}, nil
}

func writeLengthPrefixed(buf *bytes.Buffer, data []byte) {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(data)))
	buf.Write(length[:])
	buf.Write(data)
}

func readLengthPrefixed(r io.Reader) ([]byte, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(length[:]))
	if n > maxPacketSize {
		return nil, errors.New("length prefix exceeds packet size limit")
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
