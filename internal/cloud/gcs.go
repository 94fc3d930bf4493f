// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cloud contains data structures and utilities for interacting with Google Cloud services.
// This file defines the GCS staging layer for media uploads: clients upload
// directly to a bucket via signed URLs, and the transfer pipeline reads the
// staged object back out. It also defines the structure of GCS Pub/Sub event
// notifications, which drive automatic completion of staged uploads.
//
// Structs:
//   - GCSPubSubNotification: Maps to the JSON payload from GCS event notifications.
//   - GCSObjectStage: The staging bucket wrapper used by the transfer pipeline.
//
// Functions:
//   - NewGCSObjectStage: Constructor for the staging wrapper.
//   - SignUpload / SignDownload: Generate time-limited V4 signed URLs.
//   - Stat, Download, Delete: Object operations used during transfer.
package cloud

import (
	"context"
	"fmt"
	"io"
	"time"

	credentials "cloud.google.com/go/iam/credentials/apiv1"
	"cloud.google.com/go/iam/credentials/apiv1/credentialspb"
	"cloud.google.com/go/storage"
)

// GCSPubSubNotification is the structure that maps to the JSON message payload
// received from a Google Cloud Storage (GCS) Pub/Sub notification. When an event
// (like object finalization) occurs in a monitored bucket, GCS sends a message
// with this structure to the configured Pub/Sub topic.
type GCSPubSubNotification struct {
	Kind                    string                 `json:"kind"`                    // The kind of the object, typically "storage#object".
	ID                      string                 `json:"id"`                      // The full ID of the object, including bucket and generation.
	SelfLink                string                 `json:"selfLink"`                // The URI for this object.
	Name                    string                 `json:"name"`                    // The name of the object within the bucket.
	Bucket                  string                 `json:"bucket"`                  // The name of the bucket containing the object.
	Generation              string                 `json:"generation"`              // The generation number of the object's content.
	MetaGeneration          string                 `json:"metageneration"`          // The generation number of the object's metadata.
	ContentType             string                 `json:"contentType"`             // The MIME type of the object's content.
	TimeCreated             string                 `json:"timeCreated"`             // The creation time of the object.
	Updated                 string                 `json:"updated"`                 // The last modification time of the object.
	StorageClass            string                 `json:"storageClass"`            // The storage class of the object.
	TimeStorageClassUpdated string                 `json:"timeStorageClassUpdated"` // The time the storage class was last updated.
	Size                    string                 `json:"size"`                    // The size of the object in bytes.
	MD5Hash                 string                 `json:"md5Hash"`                 // The MD5 hash of the object's content.
	MediaLink               string                 `json:"mediaLink"`               // A link to download the object's content.
	MetaData                map[string]interface{} `json:"metadata"`                // User-provided metadata, if any.
	Crc32c                  string                 `json:"crc32c"`                  // The CRC32C checksum of the object's content.
	ETag                    string                 `json:"etag"`                    // The HTTP ETag of the object.
}

// GCSObjectStage wraps the staging bucket that media uploads land in. Clients
// never talk to the application server for bytes: they PUT directly to GCS
// with a signed URL, and the transfer pipeline reads the object back out of
// the bucket when the upload completes.
type GCSObjectStage struct {
	StorageClient *storage.Client                   // Client for Google Cloud Storage.
	IAMClient     *credentials.IamCredentialsClient // Client for IAM, used for signing URLs.
	SignerEmail   string                            // The service account email used to sign URLs.
	Bucket        string                            // The staging bucket name.
}

// NewGCSObjectStage constructs the staging wrapper over an existing storage
// client and IAM signing client.
func NewGCSObjectStage(sc *storage.Client, ic *credentials.IamCredentialsClient, signerEmail, bucket string) *GCSObjectStage {
	return &GCSObjectStage{
		StorageClient: sc,
		IAMClient:     ic,
		SignerEmail:   signerEmail,
		Bucket:        bucket,
	}
}

// signedURL generates a V4 signed URL for the given HTTP method. The SignBytes
// callback uses the IAM Credentials API, which is the recommended approach when
// running on GCP infrastructure because it avoids local service account keys.
func (s *GCSObjectStage) signedURL(ctx context.Context, method, object, contentType string, expires time.Duration) (string, error) {
	opts := &storage.SignedURLOptions{
		Scheme:         storage.SigningSchemeV4,
		Method:         method,
		GoogleAccessID: s.SignerEmail,
		Expires:        time.Now().Add(expires),
		SignBytes: func(b []byte) ([]byte, error) {
			req := &credentialspb.SignBlobRequest{
				Name:    fmt.Sprintf("projects/-/serviceAccounts/%s", s.SignerEmail),
				Payload: b,
			}
			resp, err := s.IAMClient.SignBlob(ctx, req)
			if err != nil {
				return nil, fmt.Errorf("IAMClient.SignBlob: %w", err)
			}
			return resp.SignedBlob, nil
		},
	}
	if contentType != "" {
		opts.ContentType = contentType
	}
	u, err := s.StorageClient.Bucket(s.Bucket).SignedURL(object, opts)
	if err != nil {
		return "", fmt.Errorf("Bucket(%q).SignedURL(%q): %w", s.Bucket, object, err)
	}
	return u, nil
}

// SignUpload creates a time-limited signed URL the client PUTs the media
// bytes to. The content type is pinned into the signature so the client
// cannot stage a different payload type than it declared.
func (s *GCSObjectStage) SignUpload(ctx context.Context, object, contentType string, expires time.Duration) (string, error) {
	return s.signedURL(ctx, "PUT", object, contentType, expires)
}

// SignDownload creates a time-limited signed URL for streaming the staged
// object back out, e.g. for playback in a review UI.
func (s *GCSObjectStage) SignDownload(ctx context.Context, object string, expires time.Duration) (string, error) {
	return s.signedURL(ctx, "GET", object, "", expires)
}

// Stat returns the size of a staged object in bytes. A missing object
// surfaces as storage.ErrObjectNotExist.
func (s *GCSObjectStage) Stat(ctx context.Context, object string) (int64, error) {
	attrs, err := s.StorageClient.Bucket(s.Bucket).Object(object).Attrs(ctx)
	if err != nil {
		return 0, err
	}
	return attrs.Size, nil
}

// Download streams a staged object into the writer. Used by the transfer
// pipeline to pull the media down to scratch space before chunked push.
func (s *GCSObjectStage) Download(ctx context.Context, object string, dst io.Writer) error {
	rdr, err := s.StorageClient.Bucket(s.Bucket).Object(object).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("failed to open gcs object %q: %w", object, err)
	}
	defer func() { _ = rdr.Close() }()
	if _, err := io.Copy(dst, rdr); err != nil {
		return fmt.Errorf("failed to read gcs object %q: %w", object, err)
	}
	return nil
}

// Delete removes a staged object. Best effort for cleanup paths.
func (s *GCSObjectStage) Delete(ctx context.Context, object string) error {
	return s.StorageClient.Bucket(s.Bucket).Object(object).Delete(ctx)
}
