package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/daoistvideo/platform/internal/domain/videos"
)

// VideoRepository implements videos.Repository in-memory.
type VideoRepository struct {
	mu     sync.RWMutex
	videos map[string]videos.Video
}

// NewVideoRepository returns an initialized in-memory repository.
func NewVideoRepository() *VideoRepository {
	return &VideoRepository{videos: make(map[string]videos.Video)}
}

func (r *VideoRepository) FindByID(_ context.Context, id string) (videos.Video, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.videos[id]
	if !ok {
		return videos.Video{}, videos.ErrNotFound
	}
	return v, nil
}

// FindByIDs returns the videos that exist, in the order requested.
func (r *VideoRepository) FindByIDs(_ context.Context, ids []string) ([]videos.Video, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]videos.Video, 0, len(ids))
	for _, id := range ids {
		if v, ok := r.videos[id]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func (r *VideoRepository) Save(_ context.Context, video videos.Video) (videos.Video, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if video.ID == "" {
		video.ID = newID()
	} else if existing, ok := r.videos[video.ID]; ok && video.UploadTime.IsZero() {
		video.UploadTime = existing.UploadTime
	}
	if video.UploadTime.IsZero() {
		video.UploadTime = nowUTC()
	}
	r.videos[video.ID] = video
	return video, nil
}

func (r *VideoRepository) List(_ context.Context, f videos.ListFilter) ([]videos.Video, int, error) {
	r.mu.RLock()
	matched := make([]videos.Video, 0, len(r.videos))
	for _, v := range r.videos {
		if matchVideo(v, f) {
			matched = append(matched, v)
		}
	}
	r.mu.RUnlock()

	sortVideos(matched, f.Ordering)

	total := len(matched)
	if f.Offset >= total {
		return []videos.Video{}, total, nil
	}
	end := total
	if f.Limit > 0 && f.Offset+f.Limit < end {
		end = f.Offset + f.Limit
	}
	return matched[f.Offset:end], total, nil
}

func matchVideo(v videos.Video, f videos.ListFilter) bool {
	if f.IsActive != nil && v.IsActive != *f.IsActive {
		return false
	}
	if f.Category != "" && v.Category != f.Category {
		return false
	}
	if f.UploaderID != "" && v.UploaderID != f.UploaderID {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Search)); q != "" {
		hit := strings.Contains(strings.ToLower(v.Title), q) ||
			strings.Contains(strings.ToLower(v.Description), q)
		if f.SearchUploader && !hit {
			hit = strings.Contains(strings.ToLower(v.UploaderName), q)
		}
		if !hit {
			return false
		}
	}
	return true
}

func sortVideos(list []videos.Video, o videos.Ordering) {
	if o.Field == "" {
		o = videos.DefaultOrdering
	}
	less := func(a, b videos.Video) bool {
		switch o.Field {
		case "view_count":
			return a.ViewCount < b.ViewCount
		case "title":
			return a.Title < b.Title
		case "file_size":
			return a.FileSize < b.FileSize
		default:
			return a.UploadTime.Before(b.UploadTime)
		}
	}
	sort.SliceStable(list, func(i, j int) bool {
		if o.Desc {
			return less(list[j], list[i])
		}
		return less(list[i], list[j])
	})
}

func (r *VideoRepository) IncrementViews(_ context.Context, id string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.videos[id]
	if !ok {
		return 0, videos.ErrNotFound
	}
	v.ViewCount++
	r.videos[id] = v
	return v.ViewCount, nil
}

// SetActive changes the active flag and returns how many videos changed.
func (r *VideoRepository) SetActive(_ context.Context, ids []string, active bool) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, id := range ids {
		v, ok := r.videos[id]
		if !ok || v.IsActive == active {
			continue
		}
		v.IsActive = active
		r.videos[id] = v
		n++
	}
	return n, nil
}

// SetCategory recategorises active videos only.
func (r *VideoRepository) SetCategory(_ context.Context, ids []string, category videos.Category) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, id := range ids {
		v, ok := r.videos[id]
		if !ok || !v.IsActive {
			continue
		}
		v.Category = category
		r.videos[id] = v
		n++
	}
	return n, nil
}

func (r *VideoRepository) Stats(_ context.Context, since time.Time) (videos.Stats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var s videos.Stats
	for _, v := range r.videos {
		if !v.IsActive {
			continue
		}
		s.Total++
		s.TotalViews += v.ViewCount
		s.TotalSize += v.FileSize
		if !v.UploadTime.Before(since) {
			s.UploadedSince++
		}
	}
	return s, nil
}

var _ videos.Repository = (*VideoRepository)(nil)
