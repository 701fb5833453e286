package websocket

import (
	"net/http"

	"github.com/satriahrh/callbridge/domain/entities"
)

// Header names set by the call-control answer for the websocket endpoint
const (
	HeaderCallUUID = "X-Call-Uuid"
	HeaderCaller   = "X-Caller"
)

// HintsFromRequest reads call identity hints from the upgrade request
// headers, falling back to the call_id and caller_id query parameters.
func HintsFromRequest(r *http.Request) entities.HandshakeMetadata {
	query := r.URL.Query()
	hints := entities.HandshakeMetadata{
		CallID:   r.Header.Get(HeaderCallUUID),
		CallerID: r.Header.Get(HeaderCaller),
	}
	return hints.Merge(entities.HandshakeMetadata{
		CallID:   query.Get("call_id"),
		CallerID: query.Get("caller_id"),
	})
}
