package cryptor

import (
	"crypto/md5"
	"sync"
)

type keyCacheKey struct {
	password      string
	keyLen, ivLen int
}

type derived struct {
	key, iv []byte
}

var keyCache = struct {
	sync.Mutex
	m map[keyCacheKey]derived
}{m: make(map[keyCacheKey]derived)}

// DeriveKey is OpenSSL's EVP_BytesToKey with MD5 and no salt:
//
//	D_0 = MD5(password), D_i = MD5(D_{i-1} || password)
//
// concatenated until keyLen+ivLen bytes exist. Results are memoized for the
// life of the process and must not be modified by callers.
func DeriveKey(password []byte, keyLen, ivLen int) (key, iv []byte) {
	ck := keyCacheKey{password: string(password), keyLen: keyLen, ivLen: ivLen}

	keyCache.Lock()
	defer keyCache.Unlock()
	if d, ok := keyCache.m[ck]; ok {
		return d.key, d.iv
	}

	need := keyLen + ivLen
	out := make([]byte, 0, need+md5.Size)
	var prev []byte
	for len(out) < need {
		h := md5.New()
		h.Write(prev)
		h.Write(password)
		prev = h.Sum(nil)
		out = append(out, prev...)
	}

	d := derived{key: out[:keyLen:keyLen], iv: out[keyLen:need:need]}
	keyCache.m[ck] = d
	return d.key, d.iv
}
