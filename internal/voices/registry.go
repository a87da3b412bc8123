// Package voices persists cloned voice profiles. Metadata lives in SQLite and
// the reference audio in a BlobStore.
package voices

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-gateway/internal/audio"
	"github.com/loqalabs/loqa-gateway/internal/engine"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("voice profile not found")
	ErrInvalid  = errors.New("invalid voice profile request")
)

const (
	maxNameLen        = 100
	maxDescriptionLen = 500
)

// Profile is the stored description of a cloned voice.
type Profile struct {
	ID          string    `json:"voice_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Language    string    `json:"language,omitempty"`
	Fingerprint string    `json:"fingerprint"`
	SizeBytes   int64     `json:"size_bytes"`
	SampleRate  int       `json:"sample_rate"`
	Duration    float64   `json:"duration_seconds"`
	CreatedAt   time.Time `json:"created_at"`
	AudioRef    string    `json:"-"`
}

// CloneRequest carries base64 WAV reference audio and display metadata.
type CloneRequest struct {
	ReferenceAudio string
	Name           string
	Description    string
	Language       string
}

type Registry struct {
	db           *sql.DB
	blobs        BlobStore
	log          *slog.Logger
	clock        func() time.Time
	locks        keyedMutex
	maxReference int
}

// Open prepares the metadata database at path.
func Open(ctx context.Context, path string, blobs BlobStore, log *slog.Logger) (*Registry, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	r := &Registry{
		db:    db,
		blobs: blobs,
		log:   log.With(slog.String("component", "voice-registry")),
		clock: time.Now,
	}
	if err := r.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS voices (
    voice_id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    language TEXT NOT NULL DEFAULT '',
    fingerprint TEXT NOT NULL,
    audio_ref TEXT NOT NULL,
    size_bytes INTEGER NOT NULL,
    sample_rate INTEGER NOT NULL,
    duration_seconds REAL NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_voices_created ON voices(created_at, voice_id);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

// LimitReference caps the decoded size of reference audio accepted by Clone.
// Zero disables the cap.
func (r *Registry) LimitReference(maxBytes int) {
	r.maxReference = maxBytes
}

func (r *Registry) Close() error {
	return r.db.Close()
}

// Clone validates and stores a new profile. Either both the audio blob and
// the metadata row are written or neither is.
func (r *Registry) Clone(ctx context.Context, req CloneRequest) (Profile, error) {
	name := strings.TrimSpace(req.Name)
	if n := utf8.RuneCountInString(name); n == 0 || n > maxNameLen {
		return Profile{}, fmt.Errorf("%w: name must be 1..%d characters", ErrInvalid, maxNameLen)
	}
	if utf8.RuneCountInString(req.Description) > maxDescriptionLen {
		return Profile{}, fmt.Errorf("%w: description must be at most %d characters", ErrInvalid, maxDescriptionLen)
	}
	clip, raw, err := audio.DecodeBase64WAV(req.ReferenceAudio, r.maxReference)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: reference_audio: %v", ErrInvalid, err)
	}

	created := r.clock().UTC()
	id := newID(created)
	p := Profile{
		ID:          id,
		Name:        name,
		Description: req.Description,
		Language:    req.Language,
		Fingerprint: audio.Fingerprint(raw),
		SizeBytes:   int64(len(raw)),
		SampleRate:  clip.SampleRate,
		Duration:    clip.Duration().Seconds(),
		CreatedAt:   created,
		AudioRef:    id + ".wav",
	}

	unlock := r.locks.lock(id)
	defer unlock()

	if err := r.blobs.Put(ctx, p.AudioRef, raw); err != nil {
		return Profile{}, fmt.Errorf("store reference audio: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO voices(voice_id, name, description, language, fingerprint, audio_ref, size_bytes, sample_rate, duration_seconds, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, p.Language, p.Fingerprint, p.AudioRef, p.SizeBytes, p.SampleRate, p.Duration, created.UnixNano())
	if err != nil {
		if delErr := r.blobs.Delete(context.WithoutCancel(ctx), p.AudioRef); delErr != nil {
			r.log.Warn("failed to remove orphaned reference audio", slog.String("voice_id", id), slog.String("error", delErr.Error()))
		}
		return Profile{}, fmt.Errorf("insert voice profile: %w", err)
	}
	r.log.Info("voice profile cloned", slog.String("voice_id", id), slog.String("name", name))
	return p, nil
}

func (r *Registry) Get(ctx context.Context, id string) (Profile, error) {
	unlock := r.locks.lock(id)
	defer unlock()
	return r.get(ctx, id)
}

func (r *Registry) get(ctx context.Context, id string) (Profile, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT voice_id, name, description, language, fingerprint, audio_ref, size_bytes, sample_rate, duration_seconds, created_at
		 FROM voices WHERE voice_id = ?`, id)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return p, err
}

// List returns every profile, oldest first.
func (r *Registry) List(ctx context.Context) ([]Profile, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT voice_id, name, description, language, fingerprint, audio_ref, size_bytes, sample_rate, duration_seconds, created_at
		 FROM voices ORDER BY created_at ASC, voice_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	profiles := []Profile{}
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// Delete removes the profile and its audio. Jobs that already resolved the
// profile keep their own copy of the audio.
func (r *Registry) Delete(ctx context.Context, id string) error {
	unlock := r.locks.lock(id)
	defer unlock()

	p, err := r.get(ctx, id)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM voices WHERE voice_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete voice profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err := r.blobs.Delete(ctx, p.AudioRef); err != nil && !errors.Is(err, ErrBlobNotFound) {
		r.log.Warn("failed to remove reference audio", slog.String("voice_id", id), slog.String("error", err.Error()))
	}
	r.log.Info("voice profile deleted", slog.String("voice_id", id))
	return nil
}

// Reference loads a private copy of the profile's audio for one job.
func (r *Registry) Reference(ctx context.Context, id string) (engine.VoiceReference, error) {
	unlock := r.locks.lock(id)
	defer unlock()

	p, err := r.get(ctx, id)
	if err != nil {
		return engine.VoiceReference{}, err
	}
	data, err := r.blobs.Get(ctx, p.AudioRef)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return engine.VoiceReference{}, fmt.Errorf("%s audio: %w", id, ErrNotFound)
		}
		return engine.VoiceReference{}, fmt.Errorf("load reference audio: %w", err)
	}
	return engine.VoiceReference{ProfileID: id, Audio: append([]byte(nil), data...)}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(s scanner) (Profile, error) {
	var p Profile
	var created int64
	if err := s.Scan(&p.ID, &p.Name, &p.Description, &p.Language, &p.Fingerprint, &p.AudioRef,
		&p.SizeBytes, &p.SampleRate, &p.Duration, &created); err != nil {
		return Profile{}, err
	}
	p.CreatedAt = time.Unix(0, created).UTC()
	return p, nil
}

func newID(at time.Time) string {
	return "voice_" + at.Format("20060102_150405") + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// keyedMutex serializes work per voice id without a global lock.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
