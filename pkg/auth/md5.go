package auth

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
)

// md5InnerDigest is what postgres stores at rest for md5 auth (rolpassword,
// minus its "md5" prefix): md5hex(password+username). The plaintext password
// is never needed again after this is computed once at config load.
func md5InnerDigest(password, user string) string {
	sum := md5.Sum([]byte(password + user))
	return hex.EncodeToString(sum[:])
}

// md5Challenge combines the stored inner digest with a connection's salt,
// the way both the server (to verify) and the client (to respond) do:
// "md5" + md5hex(innerDigest + salt).
func md5Challenge(innerDigest string, salt [4]byte) string {
	sum := md5.Sum(append([]byte(innerDigest), salt[:]...))
	return "md5" + hex.EncodeToString(sum[:])
}

func randomSalt() ([4]byte, error) {
	var salt [4]byte
	_, err := rand.Read(salt[:])
	return salt, err
}
