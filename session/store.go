// Package session keeps per-visitor detection state keyed by session id.
package session

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"SawitDetServer/logger"
	"SawitDetServer/pipeline"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNoResult        = errors.New("no detection result")
)

// State is what a session remembers between requests. Image and Video are
// owned by the store and released on reset, new upload or expiry.
type State struct {
	mu sync.Mutex

	ID         string
	ImageName  string
	Image      *pipeline.ImageResult
	VideoName  string
	VideoPath  string // uploaded temp file
	Video      *pipeline.VideoResult
	Confidence float32
	LastActive time.Time // guarded by the store lock
}

// Snapshot is a copy of the scalar parts of State, safe to read without the
// store lock.
type Snapshot struct {
	ID            string    `json:"id"`
	ImageName     string    `json:"imageName,omitempty"`
	ImageStatus   string    `json:"imageStatus,omitempty"`
	ImageDetected int       `json:"imageDetections"`
	VideoName     string    `json:"videoName,omitempty"`
	VideoUploaded bool      `json:"videoUploaded"`
	VideoFrames   int       `json:"videoFrames"`
	VideoReady    bool      `json:"videoReady"`
	Confidence    float32   `json:"confidence"`
	LastActive    time.Time `json:"lastActive"`
	DownloadImage bool      `json:"downloadImageReady"`
	DownloadVideo bool      `json:"downloadVideoReady"`
}

// snapshot leaves LastActive to the caller, it is not guarded by s.mu.
func (s *State) snapshot() Snapshot {
	snap := Snapshot{
		ID:            s.ID,
		ImageName:     s.ImageName,
		VideoName:     s.VideoName,
		VideoUploaded: s.VideoPath != "",
		VideoFrames:   s.Video.Count(),
		VideoReady:    s.Video.Count() > 0,
		Confidence:    s.Confidence,
		DownloadImage: s.Image.Found(),
		DownloadVideo: s.Video.Count() > 0,
	}
	if s.Image != nil {
		snap.ImageStatus = string(s.Image.Status)
		snap.ImageDetected = len(s.Image.Detections)
	}
	return snap
}

func (s *State) clearImage() {
	if s.Image != nil {
		_ = s.Image.Close()
		s.Image = nil
	}
}

func (s *State) clearVideo() {
	if s.Video != nil {
		s.Video.Close()
		s.Video = nil
	}
}

func (s *State) removeUpload() {
	if s.VideoPath == "" {
		return
	}
	if err := os.Remove(s.VideoPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Log().Warn("failed to remove uploaded video", zap.String("path", s.VideoPath), zap.Error(err))
	}
	s.VideoPath = ""
}

// reset drops every result and upload, keeping the id.
func (s *State) reset() {
	s.clearImage()
	s.clearVideo()
	s.removeUpload()
	s.ImageName = ""
	s.VideoName = ""
}

// drop resets a session already removed from the store, waiting for any
// Update still running on it.
func (s *State) drop() {
	s.mu.Lock()
	s.reset()
	s.mu.Unlock()
}

// SetImage replaces the image result, releasing the previous one.
func (s *State) SetImage(name string, res *pipeline.ImageResult) {
	s.clearImage()
	s.ImageName = name
	s.Image = res
}

// SetUpload records a freshly uploaded video. Uploading a different file
// throws away the old upload and its annotated frames.
func (s *State) SetUpload(name, path string) {
	if name != s.VideoName || path != s.VideoPath {
		s.clearVideo()
		s.removeUpload()
	}
	s.VideoName = name
	s.VideoPath = path
}

func (s *State) SetVideo(res *pipeline.VideoResult) {
	s.clearVideo()
	s.Video = res
}

type Store struct {
	mu       sync.Mutex
	sessions map[string]*State
	idle     time.Duration
	now      func() time.Time
}

func NewStore(idle time.Duration) *Store {
	return &Store{
		sessions: map[string]*State{},
		idle:     idle,
		now:      time.Now,
	}
}

func (st *Store) Create() Snapshot {
	id := uuid.New().String()
	now := st.now()
	s := &State{ID: id, LastActive: now}
	st.mu.Lock()
	st.sessions[id] = s
	st.mu.Unlock()
	logger.Log().Info("session created", zap.String("sessionID", id))
	snap := s.snapshot()
	snap.LastActive = now
	return snap
}

// lookup finds id and marks it active. Every request naming a session
// counts as activity, reads included.
func (st *Store) lookup(id string) (*State, time.Time, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return nil, time.Time{}, ErrSessionNotFound
	}
	s.LastActive = st.now()
	return s, s.LastActive, nil
}

// Touch keeps id alive during long work such as a video run.
func (st *Store) Touch(id string) error {
	_, _, err := st.lookup(id)
	return err
}

func (st *Store) Get(id string) (Snapshot, error) {
	s, last, err := st.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	snap := s.snapshot()
	s.mu.Unlock()
	snap.LastActive = last
	return snap, nil
}

// Update runs fn with exclusive access to one session and marks it active.
// Other sessions are not blocked while fn runs. fn must not keep
// references to State after it returns.
func (st *Store) Update(id string, fn func(*State) error) error {
	s, _, err := st.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s)
}

// View is Update for callers that only read, such as result downloads.
func (st *Store) View(id string, fn func(*State) error) error {
	s, _, err := st.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s)
}

func (st *Store) Reset(id string) error {
	return st.Update(id, func(s *State) error {
		s.reset()
		logger.Log().Info("session reset", zap.String("sessionID", id))
		return nil
	})
}

func (st *Store) Delete(id string) bool {
	st.mu.Lock()
	s, ok := st.sessions[id]
	if ok {
		delete(st.sessions, id)
	}
	st.mu.Unlock()
	if ok {
		s.drop()
	}
	return ok
}

func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Expire deletes sessions idle for longer than the store's idle timeout and
// returns how many went.
func (st *Store) Expire() int {
	if st.idle <= 0 {
		return 0
	}
	var stale []*State
	st.mu.Lock()
	now := st.now()
	for id, s := range st.sessions {
		if now.Sub(s.LastActive) > st.idle {
			delete(st.sessions, id)
			stale = append(stale, s)
		}
	}
	st.mu.Unlock()
	for _, s := range stale {
		s.drop()
		logger.Log().Info("session expired", zap.String("sessionID", s.ID))
	}
	return len(stale)
}

// StartIdleMonitor expires idle sessions every interval until ctx is done.
func (st *Store) StartIdleMonitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st.Expire()
			}
		}
	}()
}

// Close drops every session.
func (st *Store) Close() {
	st.mu.Lock()
	all := st.sessions
	st.sessions = map[string]*State{}
	st.mu.Unlock()
	for _, s := range all {
		s.drop()
	}
}
