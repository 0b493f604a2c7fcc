package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"leadline/internal/domain"
	"leadline/internal/storage"
)

// ArchiveNotifier writes each submission as a JSON document to the object
// store, for request types whose target is storage.
type ArchiveNotifier struct {
	store storage.ObjectStore
}

func NewArchiveNotifier(store storage.ObjectStore) (*ArchiveNotifier, error) {
	if store == nil {
		return nil, errors.New("archive notifier needs an object store")
	}
	return &ArchiveNotifier{store: store}, nil
}

func (n *ArchiveNotifier) Notify(ctx context.Context, req domain.SubmissionRequest) error {
	data, err := json.MarshalIndent(newWebhookPayload(req), "", "  ")
	if err != nil {
		return err
	}
	_, err = n.store.Put(ctx, storage.Key(req.ID(), "submission.json"), bytes.NewReader(data), int64(len(data)), "application/json")
	return err
}
