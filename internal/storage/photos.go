package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"
)

// Photo categories under an order's folder.
const (
	CategoryBefore   = "before"
	CategoryAfter    = "after"
	CategoryDocument = "document"
)

// Categories lists the known photo categories.
func Categories() []string {
	return []string{CategoryBefore, CategoryAfter, CategoryDocument}
}

// PhotoRef describes one stored photo.
type PhotoRef struct {
	Path     string
	Name     string
	Size     int64
	Modified time.Time
}

// PhotoStore reads and writes order photos in an object bucket using the
// path scheme orders/{orderID}/{category}/{filename}.
type PhotoStore struct {
	object *minio.Client
	bucket string
	// publicBase is the externally reachable URL prefix for public reads,
	// e.g. https://storage.example.com/object/public.
	publicBase string
	logger     zerolog.Logger
}

// NewPhotoStore builds a store over bucket.
func NewPhotoStore(object *minio.Client, bucket, publicBase string, logger zerolog.Logger) *PhotoStore {
	return &PhotoStore{
		object:     object,
		bucket:     bucket,
		publicBase: strings.TrimRight(publicBase, "/"),
		logger:     logger,
	}
}

func objectPath(orderID, category, filename string) string {
	return fmt.Sprintf("orders/%s/%s/%s", orderID, category, filename)
}

func categoryPrefix(orderID, category string) string {
	return fmt.Sprintf("orders/%s/%s/", orderID, category)
}

// Upload stores one photo and returns its reference.
func (s *PhotoStore) Upload(ctx context.Context, orderID, category, filename, contentType string, body io.Reader, size int64) (PhotoRef, error) {
	p := objectPath(orderID, category, filename)
	info, err := s.object.PutObject(ctx, s.bucket, p, body, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return PhotoRef{}, fmt.Errorf("upload photo %s: %w", p, err)
	}
	uploadsTotal.WithLabelValues(category).Inc()
	s.logger.Debug().Str("path", p).Int64("size", info.Size).Msg("photo uploaded")
	return PhotoRef{Path: p, Name: filename, Size: info.Size, Modified: time.Now().UTC()}, nil
}

// List returns the photos stored under one order and category, sorted by
// filename for stable rendering.
func (s *PhotoStore) List(ctx context.Context, orderID, category string) ([]PhotoRef, error) {
	prefix := categoryPrefix(orderID, category)
	var refs []PhotoRef
	for info := range s.object.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, fmt.Errorf("list photos %s: %w", prefix, info.Err)
		}
		refs = append(refs, PhotoRef{
			Path:     info.Key,
			Name:     path.Base(info.Key),
			Size:     info.Size,
			Modified: info.LastModified,
		})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

// Remove deletes one photo.
func (s *PhotoStore) Remove(ctx context.Context, orderID, category, filename string) error {
	p := objectPath(orderID, category, filename)
	if err := s.object.RemoveObject(ctx, s.bucket, p, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove photo %s: %w", p, err)
	}
	removalsTotal.Inc()
	return nil
}

// RemoveAll deletes every photo of an order across all categories. Used when
// the order itself is deleted. Best effort per object; the first failure
// aborts with the count already removed logged.
func (s *PhotoStore) RemoveAll(ctx context.Context, orderID string) error {
	removed := 0
	for _, category := range Categories() {
		refs, err := s.List(ctx, orderID, category)
		if err != nil {
			return err
		}
		for _, ref := range refs {
			if err := s.object.RemoveObject(ctx, s.bucket, ref.Path, minio.RemoveObjectOptions{}); err != nil {
				s.logger.Warn().Err(err).Str("path", ref.Path).Int("removed", removed).
					Msg("aborting photo cleanup")
				return fmt.Errorf("remove photo %s: %w", ref.Path, err)
			}
			removed++
			removalsTotal.Inc()
		}
	}
	s.logger.Debug().Str("order_id", orderID).Int("removed", removed).Msg("order photos removed")
	return nil
}

// PublicURL renders the public read URL for one photo. Purely local.
func (s *PhotoStore) PublicURL(orderID, category, filename string) string {
	u := url.URL{Path: "/" + s.bucket + "/" + objectPath(orderID, category, filename)}
	return s.publicBase + u.EscapedPath()
}
