package config

import zxcvbn "github.com/ccojocar/zxcvbn-go"

// Admin tokens scoring below this on zxcvbn's 0-4 scale are considered weak;
// the daemon warns about them at startup.
const minAdminTokenScore = 3

// IsWeakToken reports whether an admin token scores below the strength
// threshold. An empty token disables daemon auth entirely and is not judged.
func IsWeakToken(token string) bool {
	if token == "" {
		return false
	}
	return zxcvbn.PasswordStrength(token, nil).Score < minAdminTokenScore
}
