package utils

import "golang.org/x/crypto/bcrypt"

// HashSecret is used for partner API keys; only the hash is configured.
func HashSecret(s string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(s), bcrypt.DefaultCost)
}

func CompareSecret(hashed string, plain string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain))
}
