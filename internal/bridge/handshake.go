package bridge

import (
	"encoding/json"
	"strings"

	"github.com/satriahrh/callbridge/domain/entities"
)

// handshakeMessage is the first text message on the telephony socket. The
// carrier sends its own field names alongside any custom headers configured
// for the call, so several spellings are accepted.
type handshakeMessage struct {
	CallID      string `json:"callId"`
	CallerID    string `json:"callerId"`
	UUID        string `json:"uuid"`
	From        string `json:"from"`
	HeaderUUID  string `json:"x-call-uuid"`
	HeaderFrom  string `json:"x-caller"`
	Event       string `json:"event"`
	ContentType string `json:"content-type"`
}

// ParseHandshake decodes call metadata from the first telephony message
func ParseHandshake(data []byte) (entities.HandshakeMetadata, error) {
	var msg handshakeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return entities.HandshakeMetadata{}, &entities.HandshakeError{Reason: "malformed metadata", Err: err}
	}

	if msg.ContentType != "" && !supportedContentType(msg.ContentType) {
		return entities.HandshakeMetadata{}, &entities.HandshakeError{Reason: "unsupported content type " + msg.ContentType}
	}

	return entities.HandshakeMetadata{
		CallID:   firstNonEmpty(msg.CallID, msg.HeaderUUID, msg.UUID),
		CallerID: firstNonEmpty(msg.CallerID, msg.HeaderFrom, msg.From),
	}, nil
}

func supportedContentType(contentType string) bool {
	ct := strings.ToLower(strings.ReplaceAll(contentType, " ", ""))
	return strings.HasPrefix(ct, "audio/l16") && strings.Contains(ct, "rate=16000")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
