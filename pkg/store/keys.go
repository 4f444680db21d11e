package store

import "strings"

// All cache keys used by the defense engine are built here so component
// namespaces can never collide.

func RiskKey(ip string) string {
	return "risk:" + normalize(ip)
}

func NonceKey(tokenID, nonce string) string {
	return "nonce:" + normalize(tokenID) + ":" + strings.ToLower(strings.TrimSpace(nonce))
}

func IdempotencyKey(scope, key string) string {
	return "idem:" + normalize(scope) + ":" + strings.TrimSpace(key)
}

func RateKey(class, segment string) string {
	return "rl:" + normalize(class) + ":" + normalize(segment)
}

func BlockBurstKey() string {
	return "mode:blockburst"
}

func HighRiskKey() string {
	return "mode:highrisk"
}

func TempBlockKey(ip string) string {
	return "block:" + normalize(ip)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
