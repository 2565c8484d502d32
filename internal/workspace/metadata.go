package workspace

import (
	"encoding/json"
	"sort"
)

// Metadata is the persisted form of req.json. Caller-supplied free-form
// fields live in Extra and are flattened into the top-level object.
type Metadata struct {
	RequesterID    string   `json:"requester_id"`
	ImageIDs       []string `json:"image_id_list"`
	ReqID          string   `json:"req_id"`
	At             string   `json:"at"`
	JobID          string   `json:"job_id,omitempty"`
	ArchiveMembers []string `json:"archive_members,omitempty"`

	Extra map[string]string `json:"-"`
}

var reservedKeys = map[string]struct{}{
	"requester_id":    {},
	"image_id_list":   {},
	"req_id":          {},
	"at":              {},
	"job_id":          {},
	"archive_members": {},
}

// Reserved reports whether key is owned by the server rather than the caller.
func Reserved(key string) bool {
	_, ok := reservedKeys[key]
	return ok
}

type metadataFields Metadata

func (m Metadata) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(metadataFields(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return base, nil
	}
	var merged map[string]any
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range m.Extra {
		if Reserved(k) {
			continue
		}
		merged[k] = v
	}
	return json.Marshal(merged)
}

func (m *Metadata) UnmarshalJSON(raw []byte) error {
	var fields metadataFields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return err
	}
	*m = Metadata(fields)
	for k, v := range all {
		if Reserved(k) {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			continue
		}
		if m.Extra == nil {
			m.Extra = make(map[string]string)
		}
		m.Extra[k] = s
	}
	return nil
}

// ExtraKeys returns the free-form keys in sorted order.
func (m Metadata) ExtraKeys() []string {
	keys := make([]string, 0, len(m.Extra))
	for k := range m.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
