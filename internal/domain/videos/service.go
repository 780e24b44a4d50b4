package videos

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/daoistvideo/platform/internal/cache"
	"github.com/daoistvideo/platform/internal/media"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	recentWindow    = 30 * 24 * time.Hour
)

// FileStore persists uploaded files under storage keys.
type FileStore interface {
	PutFile(ctx context.Context, key, localPath, contentType string) error
	Delete(ctx context.Context, key string) error
}

// Inspector extracts metadata and thumbnails from video files.
type Inspector interface {
	Probe(ctx context.Context, path string) (media.Metadata, error)
	Thumbnail(ctx context.Context, src, dst string) error
}

// Service exposes the video catalogue.
type Service interface {
	Upload(ctx context.Context, input UploadInput) (Video, error)
	List(ctx context.Context, filter ListFilter) (Page, error)
	Get(ctx context.Context, id string) (Video, error)
	View(ctx context.Context, id string) (Video, error)
	Update(ctx context.Context, id string, input UpdateInput) (Video, error)
	Delete(ctx context.Context, id string) error
	BatchDelete(ctx context.Context, ids []string) (int, error)
	BatchUpdateCategory(ctx context.Context, ids []string, category string) (int, error)
	Search(ctx context.Context, input SearchInput) (Page, error)
	Lookup(ctx context.Context, ids []string) ([]Video, error)
	Categories(ctx context.Context) []CategoryOption
	Stats(ctx context.Context) (Stats, error)
}

// UploadInput describes a new video file and its catalogue data.
type UploadInput struct {
	Title        string
	Description  string
	Category     string
	Filename     string
	ContentType  string
	Size         int64 // -1 when unknown
	Body         io.Reader
	UploaderID   string
	UploaderName string
}

// UpdateInput carries optional catalogue changes.
type UpdateInput struct {
	Title       *string
	Description *string
	Category    *string
	IsActive    *bool
}

// SearchInput narrows a search over active videos.
type SearchInput struct {
	Query      string
	Category   string
	UploaderID string
	Offset     int
	Limit      int
}

// Deps bundles the collaborators of the video service.
type Deps struct {
	Files         FileStore
	Inspector     Inspector
	TempDir       string
	MaxUploadSize int64
	// Cache holds video details, listings, stats and categories. Nil
	// disables caching.
	Cache  cache.Cache
	Logger *slog.Logger
	Now    func() time.Time
}

type service struct {
	repo      Repository
	files     FileStore
	inspector Inspector
	tempDir   string
	maxSize   int64
	cache     cache.Cache
	logger    *slog.Logger
	now       func() time.Time
}

// NewService builds the video service.
func NewService(repo Repository, deps Deps) Service {
	s := &service{
		repo:      repo,
		files:     deps.Files,
		inspector: deps.Inspector,
		tempDir:   deps.TempDir,
		maxSize:   deps.MaxUploadSize,
		cache:     deps.Cache,
		logger:    deps.Logger,
		now:       deps.Now,
	}
	if s.maxSize <= 0 {
		s.maxSize = media.DefaultMaxUploadSize
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

func (s *service) Upload(ctx context.Context, input UploadInput) (Video, error) {
	if s.files == nil {
		return Video{}, ErrNotImplemented
	}
	if input.Body == nil {
		return Video{}, fmt.Errorf("%w: file is required", ErrValidation)
	}
	if err := media.ValidateUpload(input.Filename, input.ContentType, input.Size, s.maxSize); err != nil {
		return Video{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	title, err := NormalizeTitle(input.Title)
	if err != nil {
		return Video{}, err
	}
	category, err := ParseCategory(input.Category)
	if err != nil {
		return Video{}, err
	}

	tmp, size, err := s.spool(input.Body)
	if err != nil {
		return Video{}, err
	}
	defer os.Remove(tmp)

	now := s.now()
	safeName := media.SafeFilename(input.Filename)
	key := fmt.Sprintf("videos/%s/%s_%s", now.Format("2006/01"), randomToken(), safeName)

	video := Video{
		Title:        title,
		Description:  strings.TrimSpace(input.Description),
		FilePath:     key,
		FileSize:     size,
		Category:     category,
		UploadTime:   now,
		UploaderID:   input.UploaderID,
		UploaderName: input.UploaderName,
		IsActive:     true,
	}

	if s.inspector != nil {
		meta, err := s.inspector.Probe(ctx, tmp)
		if err != nil {
			s.logger.Warn("video metadata extraction failed", "file", safeName, "err", err)
		} else {
			video.Duration = meta.Duration
			video.Width = meta.Width
			video.Height = meta.Height
			video.FPS = meta.FPS
			video.Bitrate = meta.Bitrate
		}
	}

	if err := s.files.PutFile(ctx, key, tmp, media.ContentTypeFor(safeName)); err != nil {
		return Video{}, fmt.Errorf("store video file: %w", err)
	}

	saved, err := s.repo.Save(ctx, video)
	if err != nil {
		if delErr := s.files.Delete(ctx, key); delErr != nil {
			s.logger.Warn("remove orphaned upload failed", "path", key, "err", delErr)
		}
		return Video{}, err
	}

	if thumb := s.thumbnail(ctx, saved.ID, tmp); thumb != "" {
		saved.Thumbnail = thumb
		if updated, err := s.repo.Save(ctx, saved); err != nil {
			s.logger.Warn("record thumbnail failed", "video_id", saved.ID, "err", err)
		} else {
			saved = updated
		}
	}

	s.invalidate(ctx, saved.ID)
	s.logger.Info("video uploaded", "video_id", saved.ID, "path", key, "size", size, "user_id", input.UploaderID)
	return saved, nil
}

// spool copies the upload to a temp file, enforcing the size limit on the
// bytes actually received.
func (s *service) spool(body io.Reader) (string, int64, error) {
	f, err := os.CreateTemp(s.tempDir, "upload-*")
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}
	name := f.Name()

	n, err := io.Copy(f, io.LimitReader(body, s.maxSize+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(name)
		return "", 0, fmt.Errorf("receive upload: %w", err)
	}
	if n == 0 || n > s.maxSize {
		os.Remove(name)
		return "", 0, fmt.Errorf("%w: %v: file size must be between 1 byte and %d bytes", ErrValidation, media.ErrInvalidFile, s.maxSize)
	}
	return name, n, nil
}

func (s *service) thumbnail(ctx context.Context, videoID, src string) string {
	if s.inspector == nil {
		return ""
	}
	dst := filepath.Join(filepath.Dir(src), fmt.Sprintf("thumbnail_%s.jpg", videoID))
	defer os.Remove(dst)

	if err := s.inspector.Thumbnail(ctx, src, dst); err != nil {
		s.logger.Warn("thumbnail generation failed", "video_id", videoID, "err", err)
		return ""
	}
	key := fmt.Sprintf("thumbnails/thumbnail_%s.jpg", videoID)
	if err := s.files.PutFile(ctx, key, dst, "image/jpeg"); err != nil {
		s.logger.Warn("store thumbnail failed", "video_id", videoID, "err", err)
		return ""
	}
	return key
}

func (s *service) List(ctx context.Context, filter ListFilter) (Page, error) {
	if filter.IsActive == nil && !filter.IncludeInactive {
		active := true
		filter.IsActive = &active
	}
	if filter.Ordering.Field == "" {
		filter.Ordering = DefaultOrdering
	}
	filter.Offset, filter.Limit = clampPage(filter.Offset, filter.Limit)

	load := func() (Page, error) {
		items, total, err := s.repo.List(ctx, filter)
		if err != nil {
			return Page{}, err
		}
		return Page{Items: items, Total: total}, nil
	}
	if s.cache == nil {
		return load()
	}
	key, err := s.listKey(ctx, filter)
	if err != nil {
		s.logger.Warn("video list cache unavailable", "err", err)
		return load()
	}
	return cached(ctx, s, key, listTTL, load)
}

func (s *service) Get(ctx context.Context, id string) (Video, error) {
	if s.cache == nil {
		return s.repo.FindByID(ctx, id)
	}
	if v, ok := s.cachedDetail(ctx, id); ok {
		return v, nil
	}
	v, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return Video{}, err
	}
	s.storeDetail(ctx, v)
	return v, nil
}

// View counts a view of an active video. The cached detail is rewritten with
// the new count; listings keep theirs until they expire.
func (s *service) View(ctx context.Context, id string) (Video, error) {
	video, err := s.Get(ctx, id)
	if err != nil {
		return Video{}, err
	}
	if !video.IsActive {
		return Video{}, ErrNotFound
	}
	views, err := s.repo.IncrementViews(ctx, id)
	if err != nil {
		return Video{}, err
	}
	video.ViewCount = views
	if s.cache != nil {
		s.storeDetail(ctx, video)
		if err := s.cache.Delete(ctx, statsKey); err != nil {
			s.logger.Warn("video stats cache invalidation failed", "err", err)
		}
	}
	return video, nil
}

func (s *service) Update(ctx context.Context, id string, input UpdateInput) (Video, error) {
	video, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return Video{}, err
	}

	if input.Title != nil {
		title, err := NormalizeTitle(*input.Title)
		if err != nil {
			return Video{}, err
		}
		video.Title = title
	}
	if input.Description != nil {
		video.Description = strings.TrimSpace(*input.Description)
	}
	if input.Category != nil {
		category, err := ParseCategory(*input.Category)
		if err != nil {
			return Video{}, err
		}
		video.Category = category
	}
	if input.IsActive != nil {
		video.IsActive = *input.IsActive
	}
	saved, err := s.repo.Save(ctx, video)
	if err != nil {
		return Video{}, err
	}
	s.invalidate(ctx, id)
	return saved, nil
}

func (s *service) Delete(ctx context.Context, id string) error {
	if _, err := s.repo.FindByID(ctx, id); err != nil {
		return err
	}
	if _, err := s.repo.SetActive(ctx, []string{id}, false); err != nil {
		return err
	}
	s.invalidate(ctx, id)
	return nil
}

func (s *service) BatchDelete(ctx context.Context, ids []string) (int, error) {
	ids = compactIDs(ids)
	if len(ids) == 0 {
		return 0, fmt.Errorf("%w: video_ids is required", ErrValidation)
	}
	n, err := s.repo.SetActive(ctx, ids, false)
	if err != nil {
		return 0, err
	}
	s.invalidate(ctx, ids...)
	s.logger.Info("videos batch deleted", "requested", len(ids), "deleted", n)
	return n, nil
}

func (s *service) BatchUpdateCategory(ctx context.Context, ids []string, category string) (int, error) {
	ids = compactIDs(ids)
	if len(ids) == 0 {
		return 0, fmt.Errorf("%w: video_ids is required", ErrValidation)
	}
	if strings.TrimSpace(category) == "" {
		return 0, fmt.Errorf("%w: category is required", ErrValidation)
	}
	c, err := ParseCategory(category)
	if err != nil {
		return 0, err
	}
	n, err := s.repo.SetCategory(ctx, ids, c)
	if err != nil {
		return 0, err
	}
	s.invalidate(ctx, ids...)
	return n, nil
}

func (s *service) Search(ctx context.Context, input SearchInput) (Page, error) {
	filter := ListFilter{
		Search:     strings.TrimSpace(input.Query),
		UploaderID: strings.TrimSpace(input.UploaderID),
		Ordering:   DefaultOrdering,
		Offset:     input.Offset,
		Limit:      input.Limit,
	}
	if raw := strings.TrimSpace(input.Category); raw != "" {
		c, err := ParseCategory(raw)
		if err != nil {
			return Page{}, err
		}
		filter.Category = c
	}
	return s.List(ctx, filter)
}

func (s *service) Lookup(ctx context.Context, ids []string) ([]Video, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if s.cache == nil {
		return s.repo.FindByIDs(ctx, ids)
	}
	return s.lookupCached(ctx, ids)
}

func (s *service) Categories(ctx context.Context) []CategoryOption {
	if s.cache == nil {
		return Categories()
	}
	out, _ := cached(ctx, s, categoriesKey, categoriesTTL, func() ([]CategoryOption, error) {
		return Categories(), nil
	})
	return out
}

func (s *service) Stats(ctx context.Context) (Stats, error) {
	load := func() (Stats, error) {
		return s.repo.Stats(ctx, s.now().Add(-recentWindow))
	}
	if s.cache == nil {
		return load()
	}
	return cached(ctx, s, statsKey, statsTTL, load)
}

func clampPage(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return offset, limit
}

func compactIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func randomToken() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xffffffff)
	}
	return hex.EncodeToString(b[:])
}
