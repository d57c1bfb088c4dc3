// Package models provides data model definitions for the CareSync core.
package models

// ArchiveCredential holds encrypted object-store configuration for audit
// archive upload. AccessKeyEncrypted and SecretKeyEncrypted are never exposed
// in JSON responses.
type ArchiveCredential struct {
	Provider           string `json:"provider"` // aws, minio, r2
	Endpoint           string `json:"endpoint,omitempty"`
	BucketName         string `json:"bucket_name"`
	Region             string `json:"region,omitempty"`
	AccessKeyEncrypted string `json:"-"` // Never expose
	SecretKeyEncrypted string `json:"-"` // Never expose
	IsEnabled          bool   `json:"is_enabled"`
	CreatedAt          string `json:"created_at"`
	UpdatedAt          string `json:"updated_at"`
}

// CollectionName returns the collection ArchiveCredential rows are stored in.
func (ArchiveCredential) CollectionName() string {
	return CollectionArchiveCredentials
}
