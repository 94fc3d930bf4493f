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

package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/jaycherian/gcp-go-media-critique/internal/cloud"
	"github.com/jaycherian/gcp-go-media-critique/internal/core/model"
	"github.com/jaycherian/gcp-go-media-critique/internal/core/store"
	"github.com/jaycherian/gcp-go-media-critique/internal/core/transfer"
)

// uploadCompleteListener is the logical name of the subscription that carries
// GCS object-finalize notifications for the staging bucket.
const uploadCompleteListener = "UploadComplete"

// SetupListeners attaches handlers to the Pub/Sub listeners built at client
// initialization and starts them. The object-finalize notification from the
// staging bucket lets the server kick off the background transfer even when
// the client never makes the explicit /uploads/complete call.
func SetupListeners(ctx context.Context) {
	listener, ok := state.cloud.PubSubListeners[uploadCompleteListener]
	if !ok {
		slog.Warn("no upload-complete subscription configured, relying on explicit completion calls only")
		return
	}
	listener.SetHandler(handleUploadNotification)
	listener.Listen(ctx)
}

// handleUploadNotification processes one GCS object-finalize event. Objects
// outside the staging prefix and uploads that already moved past UPLOADING are
// ignored. Returning nil for unknown or malformed events keeps them from being
// redelivered forever.
func handleUploadNotification(ctx context.Context, data []byte) error {
	var notification cloud.GCSPubSubNotification
	if err := json.Unmarshal(data, &notification); err != nil {
		slog.ErrorContext(ctx, "failed to decode storage notification", "error", err.Error())
		return nil
	}

	uploadID, ok := uploadIDFromObjectName(notification.Name)
	if !ok {
		return nil
	}

	job, err := state.store.Get(ctx, uploadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.WarnContext(ctx, "storage notification for unknown upload", "object", notification.Name)
			return nil
		}
		// Store errors are worth a redelivery.
		return err
	}
	if job.Status != model.UploadStatusUploading {
		// Already completed explicitly, or the transfer is in flight.
		return nil
	}

	slog.InfoContext(ctx, "completing upload from storage notification",
		"upload_id", uploadID, "object", notification.Name)
	if _, err := state.transfers.Complete(ctx, uploadID); err != nil {
		if transfer.IsClientError(err) {
			// Size mismatch or similar; the job is marked FAILED, clients
			// recover via a fresh init. Nothing a redelivery would fix.
			slog.WarnContext(ctx, "upload completion rejected", "upload_id", uploadID, "error", err.Error())
			return nil
		}
		return err
	}
	return nil
}

// uploadIDFromObjectName extracts the upload id from a staging object name of
// the form "uploads/{uploadID}/{filename}".
func uploadIDFromObjectName(name string) (string, bool) {
	parts := strings.Split(name, "/")
	if len(parts) != 3 || parts[0] != "uploads" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
