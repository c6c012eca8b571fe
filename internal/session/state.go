package session

import (
	"slices"
	"time"

	"gridharvest/internal/descriptor"
	"gridharvest/internal/harvest"
)

// State is the persistable form of a session.
type State struct {
	ID          string                 `json:"id" msgpack:"id"`
	Name        string                 `json:"name" msgpack:"name"`
	Created     time.Time              `json:"created" msgpack:"created"`
	Descriptor  *descriptor.Descriptor `json:"descriptor" msgpack:"desc"`
	Status      Status                 `json:"status" msgpack:"status"`
	HarvestType harvest.Type           `json:"harvestType" msgpack:"type"`
	Error       string                 `json:"error,omitempty" msgpack:"err,omitempty"`
	Datasets    []DatasetState         `json:"datasets,omitempty" msgpack:"ds,omitempty"`
}

// DatasetState is the persistable form of one dataset's session state.
type DatasetState struct {
	ID     string       `json:"id" msgpack:"id"`
	Status Status       `json:"status" msgpack:"st"`
	Type   harvest.Type `json:"type" msgpack:"type"`
	Files  []string     `json:"files,omitempty" msgpack:"f,omitempty"`
	Error  string       `json:"error,omitempty" msgpack:"err,omitempty"`
}

// State returns a snapshot of the session for persistence.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		ID:          s.id,
		Name:        s.name,
		Created:     s.created,
		Descriptor:  s.desc.Clone(),
		Status:      s.status,
		HarvestType: s.harvestType,
		Datasets:    make([]DatasetState, 0, len(s.order)),
	}
	if s.lastErr != nil {
		st.Error = s.lastErr.Error()
	}
	for _, id := range s.order {
		ds := s.datasets[id]
		st.Datasets = append(st.Datasets, DatasetState{
			ID:     id,
			Status: ds.status,
			Type:   ds.typ,
			Files:  slices.Clone(ds.files),
			Error:  ds.err,
		})
	}
	return st
}

// Restore rebuilds a session from a snapshot, using cfg for its
// collaborators. No workers run after a restore: datasets that were
// HARVESTING, and COMPLETED datasets whose cache entry is missing or less
// complete than their harvest type needs, are demoted to CREATED. A session
// left with unprocessed datasets is PAUSED; Resume continues it.
func Restore(st State, cfg Config) *Session {
	cfg.ID = st.ID
	cfg.Name = st.Name
	cfg.Descriptor = st.Descriptor
	s := New(cfg)
	if !st.Created.IsZero() {
		s.created = st.Created
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.harvestType = st.HarvestType
	s.status = st.Status
	if st.Error != "" {
		s.lastErr = restoredError(st.Error)
	}

	demoted := 0
	for _, d := range st.Datasets {
		if _, dup := s.datasets[d.ID]; dup {
			continue
		}
		ds := &datasetState{
			status: d.Status,
			typ:    d.Type,
			files:  slices.Clone(d.Files),
			err:    d.Error,
		}
		switch ds.status {
		case StatusHarvesting, StatusPaused:
			ds.status = StatusCreated
		case StatusCompleted:
			if !ds.typ.SatisfiedBy(s.deps.Cache.Status(d.ID)) {
				ds.status = StatusCreated
				ds.files = nil
				demoted++
			}
		}
		if ds.status.Terminal() {
			s.processed++
		}
		s.order = append(s.order, d.ID)
		s.datasets[d.ID] = ds
	}

	switch {
	case s.status == StatusHarvesting:
		s.status = StatusPaused
	case s.status == StatusCompleted && s.processed < len(s.order):
		s.status = StatusPaused
	}
	if demoted > 0 {
		s.logger.Info("demoted uncached datasets", "count", demoted)
	}
	return s
}

// restoredError carries a persisted error message.
type restoredError string

func (e restoredError) Error() string { return string(e) }
