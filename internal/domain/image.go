package domain

import "strings"

const dataURLScheme = "data:"

// EncodedImage is a data URL: a MIME-type prefix and a base64 payload.
// The zero value means no image.
type EncodedImage string

func (e EncodedImage) IsZero() bool {
	return e == ""
}

func (e EncodedImage) String() string {
	return string(e)
}

// MIMEType returns the media type declared in the data URL header, or "".
func (e EncodedImage) MIMEType() string {
	header, _, ok := strings.Cut(string(e), ",")
	if !ok || !strings.HasPrefix(header, dataURLScheme) {
		return ""
	}
	mediaType, _, _ := strings.Cut(strings.TrimPrefix(header, dataURLScheme), ";")
	return mediaType
}

// Payload returns everything after the first comma.
func (e EncodedImage) Payload() (string, bool) {
	_, payload, ok := strings.Cut(string(e), ",")
	return payload, ok
}
