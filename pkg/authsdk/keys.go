package authsdk

// Storage keys. All four are cleared on logout.
const (
	KeyToken        = "token"
	KeyUser         = "user"
	KeyCodeVerifier = "codeVerifier"
	KeyFingerprint  = "fingerprint"
)

var sessionKeys = []string{KeyToken, KeyUser, KeyCodeVerifier, KeyFingerprint}
