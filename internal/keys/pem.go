package keys

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"
)

const (
	headerGeneratedAt = "Generated-At"
	headerRetiredAt   = "Retired-At"
)

func encodePrivate(k *Key) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.Private)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Headers: pemHeaders(k), Bytes: der}), nil
}

func encodePublic(k *Key) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(k.Public)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Headers: pemHeaders(k), Bytes: der}), nil
}

func pemHeaders(k *Key) map[string]string {
	h := map[string]string{headerGeneratedAt: k.GeneratedAt.UTC().Format(time.RFC3339)}
	if !k.RetiredAt.IsZero() {
		h[headerRetiredAt] = k.RetiredAt.UTC().Format(time.RFC3339)
	}
	return h
}

// decodePrivate accepts PKCS#8 and PKCS#1 encodings.
func decodePrivate(data []byte) (*rsa.PrivateKey, map[string]string, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, nil, errors.New("invalid PEM private key")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		return key, block.Headers, err
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, nil, err
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, nil, errors.New("unsupported private key type")
		}
		return rsaKey, block.Headers, nil
	default:
		return nil, nil, fmt.Errorf("unsupported private key type %s", block.Type)
	}
}

// decodePublic accepts PKIX and PKCS#1 encodings.
func decodePublic(data []byte) (*rsa.PublicKey, map[string]string, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, nil, errors.New("invalid PEM public key")
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, nil, err
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, nil, errors.New("not an RSA public key")
		}
		return rsaKey, block.Headers, nil
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		return key, block.Headers, err
	default:
		return nil, nil, fmt.Errorf("unsupported public key type %s", block.Type)
	}
}

func headerTime(h map[string]string, name string) time.Time {
	v, ok := h[name]
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
