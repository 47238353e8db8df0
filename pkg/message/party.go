// Package message defines the TAP body catalog: typed message bodies with
// validators, the participants they name, and the dispatcher mapping wire
// type URIs onto them.
package message

import (
	"encoding/json"
)

// Party is a real-world entity keyed by an IRI (DID, mailto, tel, URL).
// Everything beyond the id is open-ended JSON-LD metadata.
type Party struct {
	ID       string
	Metadata map[string]json.RawMessage
}

// NewParty creates a party with no metadata.
func NewParty(id string) Party {
	return Party{ID: id}
}

// MarshalJSON emits "@id" plus the metadata fields inline.
func (p Party) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(p.Metadata)+1)
	for k, v := range p.Metadata {
		if k != "@id" {
			out[k] = v
		}
	}
	id, err := json.Marshal(p.ID)
	if err != nil {
		return nil, err
	}
	out["@id"] = id
	return json.Marshal(out)
}

// UnmarshalJSON reads "@id" and keeps every other field as metadata.
func (p *Party) UnmarshalJSON(data []byte) error {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	if rawID, ok := all["@id"]; ok {
		if err := json.Unmarshal(rawID, &p.ID); err != nil {
			return err
		}
		delete(all, "@id")
	}
	if len(all) > 0 {
		p.Metadata = all
	}
	return nil
}

func (p *Party) metaString(key string) string {
	raw, ok := p.Metadata[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// Name returns the party's display name, if set.
func (p *Party) Name() string { return p.metaString("name") }

// Country returns the ISO country code, if set.
func (p *Party) Country() string { return p.metaString("addressCountry") }

// LEICode returns the legal entity identifier, if set.
func (p *Party) LEICode() string { return p.metaString("lei:leiCode") }

// MCC returns the merchant category code, if set.
func (p *Party) MCC() string { return p.metaString("mcc") }

// NameHash returns the TAIP name hash, if set.
func (p *Party) NameHash() string { return p.metaString("nameHash") }

// SetMeta sets a metadata field to a JSON string value.
func (p *Party) SetMeta(key, value string) {
	if p.Metadata == nil {
		p.Metadata = make(map[string]json.RawMessage)
	}
	raw, _ := json.Marshal(value)
	p.Metadata[key] = raw
}
