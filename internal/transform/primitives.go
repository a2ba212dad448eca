package transform

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kranthikarthan/payment-engine/internal/payerr"
)

// Crypter is the encrypt/decrypt collaborator for the matching
// transformation primitives.
type Crypter interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// AESCrypter implements Crypter with AES-GCM and base64 transport
// encoding. The key comes from the secret source, never from config.
type AESCrypter struct {
	aead cipher.AEAD
}

// NewAESCrypter builds a crypter from a 16/24/32-byte key.
func NewAESCrypter(key []byte) (*AESCrypter, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init GCM: %w", err)
	}
	return &AESCrypter{aead: aead}, nil
}

func (c *AESCrypter) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *AESCrypter) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("ciphertext shorter than nonce")
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plain), nil
}

// applyPrimitive applies a named transformation rule to a field value.
// Rules take the form "name" or "name(arg)".
func (m *Mapper) applyPrimitive(rule string, value interface{}) (interface{}, error) {
	name, arg := splitRule(rule)
	s := toString(value)

	switch name {
	case "uppercase":
		return strings.ToUpper(s), nil
	case "lowercase":
		return strings.ToLower(s), nil
	case "trim":
		return strings.TrimSpace(s), nil
	case "mask":
		keep := 4
		if arg != "" {
			if _, err := fmt.Sscanf(arg, "%d", &keep); err != nil {
				return nil, payerr.Wrapf(payerr.ErrExpressionEval, err, "bad mask argument %q", arg)
			}
		}
		return maskValue(s, keep), nil
	case "date_format":
		layout := arg
		if layout == "" {
			layout = time.RFC3339
		}
		t, err := parseAnyTime(s)
		if err != nil {
			return nil, payerr.Wrapf(payerr.ErrTypeCoercion, err, "%q is not a timestamp", s)
		}
		return t.Format(layout), nil
	case "number_format":
		places := int32(2)
		if arg != "" {
			if _, err := fmt.Sscanf(arg, "%d", &places); err != nil {
				return nil, payerr.Wrapf(payerr.ErrExpressionEval, err, "bad number_format argument %q", arg)
			}
		}
		d, err := decimal.NewFromString(strings.TrimSpace(s))
		if err != nil {
			return nil, payerr.Wrapf(payerr.ErrTypeCoercion, err, "%q is not numeric", s)
		}
		return d.StringFixed(places), nil
	case "encrypt":
		if m.env.Crypter == nil {
			return nil, payerr.Wrapf(payerr.ErrExpressionEval, nil, "no crypter configured")
		}
		enc, err := m.env.Crypter.Encrypt(s)
		if err != nil {
			return nil, err
		}
		return enc, nil
	case "decrypt":
		if m.env.Crypter == nil {
			return nil, payerr.Wrapf(payerr.ErrExpressionEval, nil, "no crypter configured")
		}
		dec, err := m.env.Crypter.Decrypt(s)
		if err != nil {
			return nil, err
		}
		return dec, nil
	default:
		return nil, payerr.Wrapf(payerr.ErrExpressionEval, nil, "unknown transformation %q", name)
	}
}

// maskValue hides everything but the trailing keep characters.
func maskValue(s string, keep int) string {
	if keep >= len(s) {
		return s
	}
	return strings.Repeat("*", len(s)-keep) + s[len(s)-keep:]
}

func splitRule(rule string) (name, arg string) {
	open := strings.IndexByte(rule, '(')
	if open < 0 {
		return strings.TrimSpace(rule), ""
	}
	close := strings.LastIndexByte(rule, ')')
	if close < open {
		return strings.TrimSpace(rule), ""
	}
	return strings.TrimSpace(rule[:open]), strings.TrimSpace(rule[open+1 : close])
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseAnyTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

// builtinFuncs returns the expression function registry bound to the
// mapper's clock and id generator.
func (m *Mapper) builtinFuncs() map[string]ExprFunc {
	return map[string]ExprFunc{
		"uuid": func(args []interface{}) (interface{}, error) {
			return m.env.IDGen.UUID(), nil
		},
		"now": func(args []interface{}) (interface{}, error) {
			return m.env.Clock().UTC().Format(time.RFC3339Nano), nil
		},
		"timestamp": func(args []interface{}) (interface{}, error) {
			return float64(m.env.Clock().UTC().UnixMilli()), nil
		},
		"seq": func(args []interface{}) (interface{}, error) {
			prefix := ""
			length := 0
			if len(args) > 0 {
				prefix = toString(args[0])
			}
			if len(args) > 1 {
				n, err := toNumber(args[1])
				if err != nil {
					return nil, err
				}
				length = int(n)
			}
			return FormatSequential(m.env.IDGen.Sequence(prefix), prefix, "", length), nil
		},
		"upper": func(args []interface{}) (interface{}, error) {
			if len(args) != 1 {
				return nil, payerr.Wrapf(payerr.ErrExpressionEval, nil, "upper takes one argument")
			}
			return strings.ToUpper(toString(args[0])), nil
		},
		"lower": func(args []interface{}) (interface{}, error) {
			if len(args) != 1 {
				return nil, payerr.Wrapf(payerr.ErrExpressionEval, nil, "lower takes one argument")
			}
			return strings.ToLower(toString(args[0])), nil
		},
		"trim": func(args []interface{}) (interface{}, error) {
			if len(args) != 1 {
				return nil, payerr.Wrapf(payerr.ErrExpressionEval, nil, "trim takes one argument")
			}
			return strings.TrimSpace(toString(args[0])), nil
		},
		"concat": func(args []interface{}) (interface{}, error) {
			var sb strings.Builder
			for _, a := range args {
				sb.WriteString(toString(a))
			}
			return sb.String(), nil
		},
		"len": func(args []interface{}) (interface{}, error) {
			if len(args) != 1 {
				return nil, payerr.Wrapf(payerr.ErrExpressionEval, nil, "len takes one argument")
			}
			return float64(len(toString(args[0]))), nil
		},
	}
}
