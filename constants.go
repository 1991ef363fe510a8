package libiscsi

const (
	// ISCSIListenPort is used for discovery when the caller passes port 0.
	ISCSIListenPort = 3260

	// Upper bounds for caller supplied strings, terminator included. Longer
	// input is rejected with ErrInvalidArgument.
	ValueMaxLen   = 256
	AddressMaxLen = 1025 // NI_MAXHOST
	AuthStrMaxLen = 256

	// maxSessionInfos caps the session array. Growing past it fails with
	// ErrOutOfMemory.
	maxSessionInfos = 1 << 16
)

// Parameter names read and written by SetAuth and GetAuth.
const (
	paramAuthMethod = "node.session.auth.authmethod"
	paramUsername   = "node.session.auth.username"
	paramPassword   = "node.session.auth.password"
	paramUsernameIn = "node.session.auth.username_in"
	paramPasswordIn = "node.session.auth.password_in"
)
