// Package memory is an in-process implementation of the store contracts.
//
// Isolated locations share the subject data of the primary location; only
// their existence is tracked, which is enough to exercise the fork fallback
// chain and connection ownership in tests and in demo mode.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/fork-scorer/internal/store"
	"github.com/ChuLiYu/fork-scorer/pkg/types"
)

const primaryLocation = "memory://primary"

var (
	ErrUnreachable     = errors.New("memory store: unreachable")
	ErrUnknownLocation = errors.New("memory store: unknown location")
)

type jobRecord struct {
	title       string
	description string
	data        map[string]any
}

// Store implements store.Provisioner, store.Connector, store.ForkRecorder,
// store.ResultStore, store.AnalyticsStore and store.MetadataSource.
type Store struct {
	mu        sync.RWMutex
	resumes   map[string]map[string]any
	jobs      map[string]jobRecord
	forks     map[types.ForkID]types.Fork
	results   map[types.ForkID]map[string]any
	analytics []types.WeightAdjustment
	locations map[string]bool

	failCopyOnWrite bool
	failTemplate    bool
	failPing        bool
	failAnalytics   bool
	unreachable     bool

	openConns int
}

var (
	_ store.Provisioner    = (*Store)(nil)
	_ store.Connector      = (*Store)(nil)
	_ store.ForkRecorder   = (*Store)(nil)
	_ store.ResultStore    = (*Store)(nil)
	_ store.AnalyticsStore = (*Store)(nil)
	_ store.MetadataSource = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{
		resumes:   make(map[string]map[string]any),
		jobs:      make(map[string]jobRecord),
		forks:     make(map[types.ForkID]types.Fork),
		results:   make(map[types.ForkID]map[string]any),
		locations: make(map[string]bool),
	}
}

// ============================================================================
// Seeding
// ============================================================================

// AddResume stores a resume document.
func (s *Store) AddResume(id string, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumes[id] = data
}

// AddJob stores a job document with its weighting hints.
func (s *Store) AddJob(id, title, description string, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id] = jobRecord{title: title, description: description, data: data}
}

// LoadFixtures seeds the store from a JSON fixtures file.
func (s *Store) LoadFixtures(path string) error {
	fx, err := store.ReadFixtures(path)
	if err != nil {
		return err
	}
	for _, r := range fx.Resumes {
		s.AddResume(r.ID, r.Data)
	}
	for _, j := range fx.Jobs {
		s.AddJob(j.ID, j.Title, j.Description, j.Data)
	}
	return nil
}

// ============================================================================
// Failure switches
// ============================================================================

func (s *Store) SetFailCopyOnWrite(v bool) { s.setFlag(&s.failCopyOnWrite, v) }
func (s *Store) SetFailTemplate(v bool)    { s.setFlag(&s.failTemplate, v) }
func (s *Store) SetFailPing(v bool)        { s.setFlag(&s.failPing, v) }
func (s *Store) SetFailAnalytics(v bool)   { s.setFlag(&s.failAnalytics, v) }
func (s *Store) SetUnreachable(v bool)     { s.setFlag(&s.unreachable, v) }

func (s *Store) setFlag(flag *bool, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*flag = v
}

// ============================================================================
// Provisioner
// ============================================================================

func (s *Store) CloneCopyOnWrite(ctx context.Context, name string) (string, error) {
	return s.provision(name, "cow")
}

func (s *Store) CopyFromTemplate(ctx context.Context, name string) (string, error) {
	return s.provision(name, "tpl")
}

func (s *Store) provision(name, scheme string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unreachable {
		return "", ErrUnreachable
	}
	switch scheme {
	case "cow":
		if s.failCopyOnWrite {
			return "", fmt.Errorf("copy-on-write clone: %w", store.ErrUnsupported)
		}
	case "tpl":
		if s.failTemplate {
			return "", fmt.Errorf("template copy: %w", store.ErrUnsupported)
		}
	}
	loc := fmt.Sprintf("memory://%s/%s", scheme, name)
	if s.locations[loc] {
		return "", fmt.Errorf("memory store: location %s already exists", loc)
	}
	s.locations[loc] = true
	return loc, nil
}

func (s *Store) PrimaryLocation() string { return primaryLocation }

func (s *Store) Drop(ctx context.Context, location string) error {
	if location == primaryLocation {
		return errors.New("memory store: refusing to drop primary location")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.locations[location] {
		return fmt.Errorf("%w: %s", ErrUnknownLocation, location)
	}
	delete(s.locations, location)
	return nil
}

// Locations returns the isolated locations that currently exist.
func (s *Store) Locations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.locations))
	for loc := range s.locations {
		out = append(out, loc)
	}
	sort.Strings(out)
	return out
}

// ============================================================================
// Connector
// ============================================================================

func (s *Store) Connect(ctx context.Context, location string) (store.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unreachable {
		return nil, ErrUnreachable
	}
	if location != primaryLocation && !s.locations[location] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLocation, location)
	}
	s.openConns++
	return &conn{store: s, location: location}, nil
}

// OpenConnections returns the number of handles not yet closed.
func (s *Store) OpenConnections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.openConns
}

type conn struct {
	store    *Store
	location string
	once     sync.Once
}

func (c *conn) Ping(ctx context.Context) error {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	if c.store.unreachable || c.store.failPing {
		return ErrUnreachable
	}
	return ctx.Err()
}

func (c *conn) LoadSubject(ctx context.Context, kind types.SubjectKind, id string) (*types.Subject, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data map[string]any
	switch kind {
	case types.SubjectResume:
		d, ok := c.store.resumes[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s %s", store.ErrSubjectNotFound, kind, id)
		}
		data = d
	case types.SubjectJob:
		j, ok := c.store.jobs[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s %s", store.ErrSubjectNotFound, kind, id)
		}
		data = make(map[string]any, len(j.data)+2)
		for k, v := range j.data {
			data[k] = v
		}
		data["title"] = j.title
		data["description"] = j.description
	default:
		return nil, fmt.Errorf("memory store: unknown subject kind %q", kind)
	}
	return &types.Subject{ID: id, Kind: kind, Data: data}, nil
}

func (c *conn) Close(ctx context.Context) error {
	c.once.Do(func() {
		c.store.mu.Lock()
		c.store.openConns--
		c.store.mu.Unlock()
	})
	return nil
}

// ============================================================================
// ForkRecorder / ResultStore / AnalyticsStore / MetadataSource
// ============================================================================

func (s *Store) SaveFork(ctx context.Context, fork types.Fork) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unreachable {
		return ErrUnreachable
	}
	s.forks[fork.ID] = fork
	return nil
}

func (s *Store) DeleteForksBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unreachable {
		return 0, ErrUnreachable
	}
	n := 0
	for id, f := range s.forks {
		if f.FinishedAt != nil && f.FinishedAt.Before(cutoff) {
			delete(s.forks, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.unreachable {
		return ErrUnreachable
	}
	return nil
}

// Fork returns the durable copy of a fork.
func (s *Store) Fork(id types.ForkID) (types.Fork, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.forks[id]
	return f, ok
}

func (s *Store) SaveResult(ctx context.Context, fork types.Fork, result map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unreachable {
		return ErrUnreachable
	}
	if _, exists := s.results[fork.ID]; exists {
		return nil
	}
	s.results[fork.ID] = result
	return nil
}

// ResultCount returns the number of stored strategy results.
func (s *Store) ResultCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results)
}

func (s *Store) SaveWeightAdjustment(ctx context.Context, rec types.WeightAdjustment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unreachable || s.failAnalytics {
		return errors.New("memory store: analytics write failed")
	}
	s.analytics = append(s.analytics, rec)
	return nil
}

// Analytics returns a copy of the stored analytics records.
func (s *Store) Analytics() []types.WeightAdjustment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.WeightAdjustment(nil), s.analytics...)
}

func (s *Store) JobMetadata(ctx context.Context, jobID string) (types.JobMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return types.JobMetadata{}, fmt.Errorf("%w: job %s", store.ErrSubjectNotFound, jobID)
	}
	return types.JobMetadata{Title: j.title, Description: j.description}, nil
}
