// Package cryptor turns a shared password into per-connection stream cipher
// state. Each direction gets its own IV; the key is shared.
package cryptor

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"strings"

	"shadow-tunnel/internal/domain"
)

// Method describes a stream cipher by its key and IV sizes and how to build
// each direction from (key, iv).
type Method struct {
	Name    string
	KeySize int
	IVSize  int

	NewEncrypter func(key, iv []byte) (cipher.Stream, error)
	NewDecrypter func(key, iv []byte) (cipher.Stream, error)
}

func blockStream(newBlock func(key []byte) (cipher.Block, error), newStream func(block cipher.Block, iv []byte) cipher.Stream) func(key, iv []byte) (cipher.Stream, error) {
	return func(key, iv []byte) (cipher.Stream, error) {
		block, err := newBlock(key)
		if err != nil {
			return nil, err
		}
		return newStream(block, iv), nil
	}
}

var methods = map[string]*Method{
	domain.MethodAES256CFB: {
		Name:         domain.MethodAES256CFB,
		KeySize:      32,
		IVSize:       aes.BlockSize,
		NewEncrypter: blockStream(aes.NewCipher, cipher.NewCFBEncrypter),
		NewDecrypter: blockStream(aes.NewCipher, cipher.NewCFBDecrypter),
	},
}

// PickMethod looks up a cipher by name, case-insensitively.
func PickMethod(name string) (*Method, error) {
	m, ok := methods[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unsupported cipher method %q", name)
	}
	return m, nil
}
