// Package models provides data model definitions for the CareSync core.
package models

import "encoding/json"

// ToDocument converts a model struct into a store Document by JSON
// round-trip, so field names and value types match what the store would
// return after persistence. Fields tagged json:"-" are dropped.
func ToDocument(v any) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// FromDocument decodes a store Document into a model struct.
func FromDocument(d Document, out any) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// ToDocument maps the credential for persistence, including the encrypted
// secrets that json:"-" hides from API responses.
func (c *ArchiveCredential) ToDocument() Document {
	return Document{
		"provider":             c.Provider,
		"endpoint":             c.Endpoint,
		"bucket_name":          c.BucketName,
		"region":               c.Region,
		"access_key_encrypted": c.AccessKeyEncrypted,
		"secret_key_encrypted": c.SecretKeyEncrypted,
		"is_enabled":           c.IsEnabled,
		"created_at":           c.CreatedAt,
		"updated_at":           c.UpdatedAt,
	}
}

// ArchiveCredentialFromDocument rebuilds a credential from its stored form.
func ArchiveCredentialFromDocument(d Document) *ArchiveCredential {
	c := &ArchiveCredential{
		Provider:   d.stringField("provider"),
		Endpoint:   d.stringField("endpoint"),
		BucketName: d.stringField("bucket_name"),
		Region:     d.stringField("region"),
		CreatedAt:  d.stringField("created_at"),
		UpdatedAt:  d.stringField("updated_at"),
	}
	c.AccessKeyEncrypted = d.stringField("access_key_encrypted")
	c.SecretKeyEncrypted = d.stringField("secret_key_encrypted")
	if v, ok := d["is_enabled"].(bool); ok {
		c.IsEnabled = v
	}
	return c
}
