package aead

// Info tags in the fixed allow-list (spec §3). Each call site passes the
// subset relevant to it, never the full list, so a vault envelope can never
// be replayed as a contact-share envelope and vice versa.
const (
	InfoProfile    = "profile/v1"
	InfoContact    = "contact/v1"
	InfoMedia      = "media/v1"
	InfoMessageKey = "message-key/v1"
	InfoDevKeys    = "devkeys/v1"
	InfoDRState    = "dr-state/v1"
)
