// Package didcomm implements the TAP envelope layer: the PlainMessage
// cleartext schema and a codec packing it into Signed (JWS) or Encrypted
// (JWE) envelopes.
package didcomm

import (
	"encoding/json"

	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

// Media types carried in the typ header of each envelope layer.
const (
	TypPlain     = "application/didcomm-plain+json"
	TypSigned    = "application/didcomm-signed+json"
	TypEncrypted = "application/didcomm-encrypted+json"
)

// AttachmentData carries one representation of an attachment payload.
type AttachmentData struct {
	Base64 string          `json:"base64,omitempty"`
	JSON   json.RawMessage `json:"json,omitempty"`
}

// Attachment is a DIDComm attachment.
type Attachment struct {
	ID        string          `json:"id,omitempty"`
	MediaType string          `json:"media_type,omitempty"`
	Format    string          `json:"format,omitempty"`
	Data      *AttachmentData `json:"data,omitempty"`
}

// PlainMessage is the cleartext payload shared by all TAP messages. Unknown
// top-level fields are preserved in Extra and re-emitted on marshal.
type PlainMessage struct {
	ID          string          `json:"id"`
	Typ         string          `json:"typ"`
	Type        string          `json:"type"`
	Body        json.RawMessage `json:"body"`
	From        string          `json:"from"`
	To          []string        `json:"to"`
	Thid        string          `json:"thid,omitempty"`
	Pthid       string          `json:"pthid,omitempty"`
	CreatedTime int64           `json:"created_time,omitempty"`
	ExpiresTime int64           `json:"expires_time,omitempty"`
	FromPrior   string          `json:"from_prior,omitempty"`
	Attachments []Attachment    `json:"attachments,omitempty"`

	// Extra holds passthrough top-level headers.
	Extra map[string]json.RawMessage `json:"-"`
}

var knownHeaders = map[string]bool{
	"id": true, "typ": true, "type": true, "body": true, "from": true,
	"to": true, "thid": true, "pthid": true, "created_time": true,
	"expires_time": true, "from_prior": true, "attachments": true,
}

// plainAlias avoids recursive MarshalJSON/UnmarshalJSON calls.
type plainAlias PlainMessage

// MarshalJSON emits the known fields plus any passthrough headers.
func (m PlainMessage) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(plainAlias(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range m.Extra {
		if !knownHeaders[k] {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON parses the known fields and collects everything else into
// Extra.
func (m *PlainMessage) UnmarshalJSON(data []byte) error {
	var alias plainAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	*m = PlainMessage(alias)
	for k, v := range all {
		if !knownHeaders[k] {
			if m.Extra == nil {
				m.Extra = make(map[string]json.RawMessage)
			}
			m.Extra[k] = v
		}
	}
	return nil
}

// Validate checks the required PlainMessage fields.
func (m *PlainMessage) Validate() error {
	if m.ID == "" {
		return taperr.New(taperr.KindMalformed, "message id is required")
	}
	if m.Type == "" {
		return taperr.New(taperr.KindMalformed, "message type is required")
	}
	if m.From == "" {
		return taperr.New(taperr.KindMalformed, "message from is required")
	}
	return nil
}

// ThreadID returns the thread this message belongs to: its thid when set,
// otherwise its own id (it is a thread root).
func (m *PlainMessage) ThreadID() string {
	if m.Thid != "" {
		return m.Thid
	}
	return m.ID
}
