package pipeline

import "encoding/base64"

func encodeAudio(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
