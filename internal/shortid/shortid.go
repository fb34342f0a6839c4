package shortid

import (
	"crypto/rand"
	"math/big"
)

const charset = "0123456789abcdefghijklmnopqrstuvwxyz"

// Generate returns a cryptographically random 12-character base36 string.
func Generate() string {
	b := make([]byte, 12)
	max := big.NewInt(int64(len(charset)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("shortid: crypto/rand failed: " + err.Error())
		}
		b[i] = charset[n.Int64()]
	}
	return string(b)
}

// WorldID returns a world identifier of the form "wld_<shortid>".
func WorldID() string {
	return "wld_" + Generate()
}

// OverlayID returns an overlay world identifier of the form "ovl_<shortid>".
func OverlayID() string {
	return "ovl_" + Generate()
}
