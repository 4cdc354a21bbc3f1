package image

import (
	"crypto/cipher"
	"crypto/des"
	"errors"

	"github.com/nabunet/nabud/nabu"
)

var errBadPak = errors.New("malformed encrypted PAK")

// DecryptPak decrypts an encrypted cloud PAK archive: DES-CBC with the
// key and IV fixed by the NABU network, PKCS#5 padding.
func DecryptPak(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%des.BlockSize != 0 {
		return nil, errBadPak
	}

	block, err := des.NewCipher(nabu.PakKey)
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, nabu.PakIV).CryptBlocks(out, data)

	// Strip the PKCS#5 padding.
	pad := int(out[len(out)-1])
	if pad < 1 || pad > des.BlockSize || pad > len(out) {
		return nil, errBadPak
	}
	for _, b := range out[len(out)-pad:] {
		if int(b) != pad {
			return nil, errBadPak
		}
	}
	return out[:len(out)-pad], nil
}
