package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/daoistvideo/platform/internal/auth"
	"github.com/daoistvideo/platform/internal/domain/videos"
)

// multipart parts above this size are spooled to disk by net/http.
const multipartMemory = 32 << 20

type videoResponse struct {
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	Category        videos.Category `json:"category"`
	CategoryDisplay string          `json:"category_display"`
	Duration        float64         `json:"duration"`
	FileSize        int64           `json:"file_size"`
	UploadTime      time.Time       `json:"upload_time"`
	ViewCount       int64           `json:"view_count"`
	IsActive        bool            `json:"is_active"`
	Width           int             `json:"width"`
	Height          int             `json:"height"`
	FPS             float64         `json:"fps"`
	Bitrate         int64           `json:"bitrate"`
	UploaderID      string          `json:"uploader_id"`
	UploaderName    string          `json:"uploader_name"`
	FileURL         *string         `json:"file_url"`
	ThumbnailURL    *string         `json:"thumbnail_url"`
	FileName        string          `json:"file_name"`
	FileExtension   string          `json:"file_extension"`
}

func toVideoResponse(v videos.Video) videoResponse {
	return videoResponse{
		ID:              v.ID,
		Title:           v.Title,
		Description:     v.Description,
		Category:        v.Category,
		CategoryDisplay: v.Category.Label(),
		Duration:        v.Duration,
		FileSize:        v.FileSize,
		UploadTime:      v.UploadTime,
		ViewCount:       v.ViewCount,
		IsActive:        v.IsActive,
		Width:           v.Width,
		Height:          v.Height,
		FPS:             v.FPS,
		Bitrate:         v.Bitrate,
		UploaderID:      v.UploaderID,
		UploaderName:    v.UploaderName,
		FileURL:         mediaURL(v.FilePath),
		ThumbnailURL:    mediaURL(v.Thumbnail),
		FileName:        v.FileName(),
		FileExtension:   v.FileExtension(),
	}
}

func toVideoResponses(list []videos.Video) []videoResponse {
	out := make([]videoResponse, 0, len(list))
	for _, v := range list {
		out = append(out, toVideoResponse(v))
	}
	return out
}

type pageResponse struct {
	Count    int             `json:"count"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
	Results  []videoResponse `json:"results"`
}

type videoUpdatePayload struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Category    *string `json:"category"`
	IsActive    *bool   `json:"is_active"`
}

func (p videoUpdatePayload) input() videos.UpdateInput {
	return videos.UpdateInput{
		Title:       p.Title,
		Description: p.Description,
		Category:    p.Category,
		IsActive:    p.IsActive,
	}
}

func (a *api) registerVideoRoutes(r *mux.Router) {
	r.HandleFunc("", a.handleVideoList).Methods(http.MethodGet)
	r.HandleFunc("/categories", a.handleCategories).Methods(http.MethodGet)
	r.HandleFunc("/search", a.handleSearch).Methods(http.MethodGet)
	r.Handle("/upload", admin(a.handleUpload)).Methods(http.MethodPost)
	r.HandleFunc("/{id}", a.handleVideoDetail).Methods(http.MethodGet)
	r.Handle("/{id}", admin(a.handleVideoUpdate)).Methods(http.MethodPut, http.MethodPatch)
	r.Handle("/{id}", admin(a.handleVideoDelete)).Methods(http.MethodDelete)
}

func (a *api) handleVideoList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, limit, page, err := pagination(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	ordering, err := videos.ParseOrdering(q.Get("ordering"), videos.PublicOrderFields...)
	if err != nil {
		a.fail(w, r, "list videos", err)
		return
	}
	filter := videos.ListFilter{
		Search:   strings.TrimSpace(q.Get("search")),
		Ordering: ordering,
		Offset:   offset,
		Limit:    limit,
	}
	if raw := strings.TrimSpace(q.Get("category")); raw != "" {
		c, err := videos.ParseCategory(raw)
		if err != nil {
			a.fail(w, r, "list videos", err)
			return
		}
		filter.Category = c
	}
	if id, ok := auth.FromContext(r.Context()); ok && id.IsAdmin() {
		filter.UploaderID = strings.TrimSpace(q.Get("uploader"))
	}

	res, err := a.c.Videos.List(r.Context(), filter)
	if err != nil {
		a.fail(w, r, "list videos", err)
		return
	}
	respondJSON(w, http.StatusOK, pageResponse{
		Count:    res.Total,
		Page:     page,
		PageSize: limit,
		Results:  toVideoResponses(res.Items),
	})
}

func (a *api) handleCategories(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, a.c.Videos.Categories(r.Context()))
}

func (a *api) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, limit, page, err := pagination(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.c.Videos.Search(r.Context(), videos.SearchInput{
		Query:      q.Get("q"),
		Category:   q.Get("category"),
		UploaderID: q.Get("uploader_id"),
		Offset:     offset,
		Limit:      limit,
	})
	if err != nil {
		a.fail(w, r, "search videos", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"query":     q.Get("q"),
		"count":     res.Total,
		"page":      page,
		"page_size": limit,
		"results":   toVideoResponses(res.Items),
	})
}

func (a *api) handleVideoDetail(w http.ResponseWriter, r *http.Request) {
	v, err := a.c.Videos.View(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.fail(w, r, "get video", err)
		return
	}
	respondJSON(w, http.StatusOK, toVideoResponse(v))
}

func (a *api) handleVideoUpdate(w http.ResponseWriter, r *http.Request) {
	var payload videoUpdatePayload
	if err := decodeJSON(w, r, &payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	v, err := a.c.Videos.Update(r.Context(), mux.Vars(r)["id"], payload.input())
	if err != nil {
		a.fail(w, r, "update video", err)
		return
	}
	respondJSON(w, http.StatusOK, toVideoResponse(v))
}

func (a *api) handleVideoDelete(w http.ResponseWriter, r *http.Request) {
	if err := a.c.Videos.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		a.fail(w, r, "delete video", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleUpload(w http.ResponseWriter, r *http.Request) {
	limit := a.c.MaxUploadSize
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+multipartMemory)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "upload exceeds the maximum file size")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	id := identity(r)
	v, err := a.c.Videos.Upload(r.Context(), videos.UploadInput{
		Title:        r.FormValue("title"),
		Description:  r.FormValue("description"),
		Category:     r.FormValue("category"),
		Filename:     header.Filename,
		ContentType:  header.Header.Get("Content-Type"),
		Size:         header.Size,
		Body:         file,
		UploaderID:   id.UserID,
		UploaderName: id.Username,
	})
	if err != nil {
		a.fail(w, r, "upload video", err)
		return
	}

	a.logger.Info("video uploaded", "video_id", v.ID, "user_id", id.UserID, "size", v.FileSize)
	respondJSON(w, http.StatusCreated, map[string]any{
		"message": fmt.Sprintf("video %q uploaded", v.Title),
		"video":   toVideoResponse(v),
	})
}
