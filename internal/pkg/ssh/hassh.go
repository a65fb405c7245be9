package ssh

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"

	"github.com/endorses/clawcat/internal/pkg/applayer"
)

// hassh fields are joined with a single ';' between fields, none after the
// last. Delimiter placement and field order are part of the compatibility
// contract with other hassh implementations.
const hasshDelimiter = ';'

// FingerprintString builds the pre-hash concatenation for a kexinit seen in
// the given direction: the key-exchange list followed by the
// direction-appropriate encryption, MAC and compression lists.
func FingerprintString(k *KexInit, dir applayer.Direction) []byte {
	var fields [][]byte
	if dir == applayer.ToServer {
		fields = [][]byte{
			k.KexAlgs,
			k.EncrAlgsClientToServer,
			k.MacAlgsClientToServer,
			k.CompAlgsClientToServer,
		}
	} else {
		fields = [][]byte{
			k.KexAlgs,
			k.EncrAlgsServerToClient,
			k.MacAlgsServerToClient,
			k.CompAlgsServerToClient,
		}
	}
	return bytes.Join(fields, []byte{hasshDelimiter})
}

// Fingerprint returns the hassh for a kexinit seen in the given direction as
// a fixed-width lowercase hex string. Identical inputs always produce
// identical output.
func Fingerprint(k *KexInit, dir applayer.Direction) string {
	sum := md5.Sum(FingerprintString(k, dir))
	return hex.EncodeToString(sum[:])
}
