package repository

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"dm_service/internal/chat/domain"

	"github.com/google/uuid"
)

// presigner the subset of database.MinIOClient used for media
type presigner interface {
	PresignPutURL(ctx context.Context, objectName string, expiry time.Duration) (string, error)
	PresignGetURL(ctx context.Context, objectName string, expiry time.Duration) (string, error)
}

// MediaUpload presigned upload target of a media message
type MediaUpload struct {
	ObjectName  string    `json:"object_name"`
	UploadURL   string    `json:"upload_url"`
	DownloadURL string    `json:"download_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// MediaRepository hand out presigned minio urls; the file bytes never pass
// through the chat service
type MediaRepository struct {
	client presigner
	expiry time.Duration
}

// NewMediaRepository create MediaRepository
func NewMediaRepository(client presigner, expiry time.Duration) *MediaRepository {
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	return &MediaRepository{client: client, expiry: expiry}
}

// PresignUpload object name media/<user>/<uuid><ext>
func (m *MediaRepository) PresignUpload(ctx context.Context, userID, fileName string, ct domain.ContentType) (*MediaUpload, error) {
	if !ct.IsMedia() {
		return nil, fmt.Errorf("content type %q has no media", ct)
	}
	ext := strings.ToLower(path.Ext(fileName))
	object := path.Join("media", string(ct), userID, uuid.New().String()+ext)

	put, err := m.client.PresignPutURL(ctx, object, m.expiry)
	if err != nil {
		return nil, err
	}
	get, err := m.client.PresignGetURL(ctx, object, m.expiry)
	if err != nil {
		return nil, err
	}
	return &MediaUpload{
		ObjectName:  object,
		UploadURL:   put,
		DownloadURL: get,
		ExpiresAt:   time.Now().Add(m.expiry).UTC(),
	}, nil
}
