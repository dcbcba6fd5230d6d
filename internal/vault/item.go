package vault

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	FieldCustomType  = "custom-type"
	FieldPublicKey   = "public-key"
	FieldPrivateKey  = "private-key"
	CustomTypeSSHKey = "ssh-key"
)

// FieldType mirrors the vault's custom field kinds.
type FieldType int

const (
	FieldText FieldType = iota
	FieldHidden
	FieldBoolean
)

type Field struct {
	Name  string    `json:"name"`
	Value string    `json:"value"`
	Type  FieldType `json:"type"`
}

// Item is a vault entry as emitted by `list items`. Only the parts the agent
// reads are decoded.
type Item struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Fields      []Field    `json:"fields,omitempty"`
	DeletedDate *time.Time `json:"deletedDate,omitempty"`
}

// Field returns the value of the first custom field called name.
func (i Item) Field(name string) (string, bool) {
	for _, f := range i.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

func (i Item) Deleted() bool {
	return i.DeletedDate != nil
}

func (i Item) IsSSHKey() bool {
	v, ok := i.Field(FieldCustomType)
	return ok && v == CustomTypeSSHKey
}

// HasKeyPair reports whether both key fields are present and non-empty.
func (i Item) HasKeyPair() bool {
	pub, _ := i.Field(FieldPublicKey)
	priv, _ := i.Field(FieldPrivateKey)
	return pub != "" && priv != ""
}

// FilterKeyItems keeps non-deleted items tagged as SSH keys, in order.
func FilterKeyItems(items []Item) []Item {
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if it.Deleted() || !it.IsSSHKey() {
			continue
		}
		out = append(out, it)
	}
	return out
}

// ParseItems decodes the JSON array printed by `list items`.
func ParseItems(data []byte) ([]Item, error) {
	var items []Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode item list: %w", err)
	}
	return items, nil
}
