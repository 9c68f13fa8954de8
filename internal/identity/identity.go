// Package identity generates throwaway account credentials shaped like the
// ones the backend's signup validation accepts.
package identity

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"deckdrop/internal/api"
)

const (
	lower = "abcdefghijklmnopqrstuvwxyz"
	alnum = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// NewAccount returns a fresh random identity: an 8-letter username with a
// numeric suffix, a matching mailbox, and a password that clears the
// backend's complexity rules via its fixed "Aa1!" prefix.
func NewAccount() api.Account {
	username := randomString(lower, 8) + fmt.Sprint(randomInt(1000))
	return api.Account{
		Username: username,
		Email:    username + "@outlook.com",
		Password: "Aa1!" + randomString(alnum, 8),
		FullName: "Test User",
	}
}

func randomString(charset string, n int) string {
	out := make([]byte, n)
	for i := range out {
		out[i] = charset[randomInt(len(charset))]
	}
	return string(out)
}

func randomInt(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		// crypto/rand only fails when the platform RNG is broken; there is
		// no sensible recovery for credential generation.
		panic(fmt.Sprintf("identity: rng failure: %v", err))
	}
	return int(v.Int64())
}
