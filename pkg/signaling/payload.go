package signaling

import "encoding/base64"

// EncodePayload renders binary audio as text for JSON frames.
func EncodePayload(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodePayload reverses EncodePayload. An empty string decodes to an empty,
// non-nil slice.
func DecodePayload(s string) ([]byte, error) {
	out, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}
