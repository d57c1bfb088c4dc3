package main

import (
	"context"
	"os"

	"github.com/caredock/caresync/internal/config"
	"github.com/caredock/caresync/internal/crypto"
	"github.com/caredock/caresync/internal/errors"
	"github.com/caredock/caresync/internal/export"
	"github.com/caredock/caresync/internal/export/objectstore"
	"github.com/caredock/caresync/internal/logging"
	"github.com/caredock/caresync/internal/models"
	"github.com/caredock/caresync/internal/store"
	"github.com/caredock/caresync/internal/syncutil"
)

// Environment variables consumed at boot. The access and secret keys
// are sealed into the store on first sight so later boots can run
// without them in the environment.
const (
	envServerSecret     = "CARESYNC_SERVER_SECRET"
	envArchiveAccessKey = "CARESYNC_ARCHIVE_ACCESS_KEY"
	envArchiveSecretKey = "CARESYNC_ARCHIVE_SECRET_KEY"
)

const archiveCredentialID = "archive-upload"

// buildObjectStore resolves upload credentials and builds the provider
// client. Missing credentials disable uploads rather than failing boot;
// archives still land on local disk.
func buildObjectStore(ctx context.Context, st store.Store, cfg config.ArchiveConfig) (export.ObjectStore, error) {
	accessKey, secretKey, err := resolveArchiveCredentials(ctx, st, cfg)
	if err != nil {
		return nil, err
	}
	if accessKey == "" || secretKey == "" {
		logging.Get().Warn("archive provider configured without credentials, uploads disabled", map[string]interface{}{
			"provider": cfg.Provider,
		})
		return nil, nil
	}

	client, err := objectstore.FromConfig(cfg, accessKey, secretKey)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// resolveArchiveCredentials prefers environment keys, persisting them
// sealed; with no environment keys it opens the stored credential row.
func resolveArchiveCredentials(ctx context.Context, st store.Store, cfg config.ArchiveConfig) (string, string, error) {
	serverSecret := os.Getenv(envServerSecret)
	accessKey := os.Getenv(envArchiveAccessKey)
	secretKey := os.Getenv(envArchiveSecretKey)

	if accessKey != "" && secretKey != "" {
		if err := sealCredentials(ctx, st, cfg, accessKey, secretKey, serverSecret); err != nil {
			logging.Get().Warn("could not persist sealed archive credentials", map[string]interface{}{
				"error": err.Error(),
			})
		}
		return accessKey, secretKey, nil
	}

	doc, err := st.Get(ctx, models.CollectionArchiveCredentials, archiveCredentialID)
	if errors.IsNotFound(err) {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}

	sealedAccess, _ := doc["access_key_encrypted"].(string)
	sealedSecret, _ := doc["secret_key_encrypted"].(string)
	accessKey, err = crypto.OpenSecret(sealedAccess, serverSecret)
	if err != nil {
		return "", "", err
	}
	secretKey, err = crypto.OpenSecret(sealedSecret, serverSecret)
	if err != nil {
		return "", "", err
	}
	return accessKey, secretKey, nil
}

// sealCredentials upserts the credential row. The key material lives
// only in the two encrypted fields, which ArchiveCredential keeps out
// of every JSON response.
func sealCredentials(ctx context.Context, st store.Store, cfg config.ArchiveConfig, accessKey, secretKey, serverSecret string) error {
	sealedAccess, err := crypto.SealSecret(accessKey, serverSecret)
	if err != nil {
		return err
	}
	sealedSecret, err := crypto.SealSecret(secretKey, serverSecret)
	if err != nil {
		return err
	}

	now := syncutil.Now()
	cred := models.ArchiveCredential{
		Provider:   cfg.Provider,
		Endpoint:   cfg.Endpoint,
		BucketName: cfg.Bucket,
		Region:     cfg.Region,
		IsEnabled:  true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	doc, err := models.ToDocument(cred)
	if err != nil {
		return err
	}
	doc["access_key_encrypted"] = sealedAccess
	doc["secret_key_encrypted"] = sealedSecret

	_, err = st.Update(ctx, models.CollectionArchiveCredentials, archiveCredentialID, doc)
	if errors.IsNotFound(err) {
		_, err = st.Create(ctx, models.CollectionArchiveCredentials, archiveCredentialID, doc)
	}
	return err
}
