package remote

import (
	"context"
	"encoding/json"
	"errors"

	"offlinequeue/internal/models"
)

var (
	// ErrRemoteApply marks any failure to apply an operation remotely.
	ErrRemoteApply = errors.New("remote apply failed")

	// ErrPermanent marks failures that will not succeed on retry (rejected payload,
	// unknown collection, denied access).
	ErrPermanent = errors.New("permanent remote failure")
)

// RemoteService applies queued mutations to the remote data store.
type RemoteService interface {
	Create(ctx context.Context, target string, payload json.RawMessage) error
	Update(ctx context.Context, target string, payload json.RawMessage, filters models.Filters) error
	Delete(ctx context.Context, target string, filters models.Filters) error
}
