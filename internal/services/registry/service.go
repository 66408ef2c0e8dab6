package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/metergate/metergate/internal/models"
)

var ErrModelNotFound = errors.New("model not found")

const defaultCatalogTTL = 5 * time.Minute

// Filter narrows a catalog listing. The zero value lists every
// non-archived model.
type Filter struct {
	Provider        string
	Capability      string
	AvailableOnly   bool
	IncludeArchived bool
}

// Entry is one listing row: the model plus what the caller's tier may do
// with it.
type Entry struct {
	Model        *models.Model       `json:"model"`
	AccessStatus models.AccessStatus `json:"access_status"`
	Legacy       *models.LegacyInfo  `json:"legacy_info,omitempty"`
}

// Service serves the model catalog from an in-process snapshot refreshed
// every few minutes. Archival and tier flags are not security critical,
// so cross-process staleness up to the TTL is acceptable.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
	ttl    time.Duration
	now    func() time.Time

	mu        sync.RWMutex
	byID      map[string]*models.Model
	ordered   []*models.Model
	fetchedAt time.Time
}

type Config struct {
	DB     *gorm.DB
	Logger *zap.Logger
	TTL    time.Duration
}

func NewService(config *Config) *Service {
	if config.TTL == 0 {
		config.TTL = defaultCatalogTTL
	}

	return &Service{
		db:     config.DB,
		logger: config.Logger,
		ttl:    config.TTL,
		now:    time.Now,
	}
}

// Get returns the catalog row for id. The returned model is shared with
// the snapshot; callers must not mutate it.
func (s *Service) Get(ctx context.Context, id string) (*models.Model, error) {
	byID, _, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	model, exists := byID[id]
	if !exists {
		return nil, ErrModelNotFound
	}
	return model, nil
}

// GetWithAccess returns the model together with the tier's access verdict.
func (s *Service) GetWithAccess(ctx context.Context, id string, tier models.Tier) (*models.Model, models.AccessStatus, error) {
	model, err := s.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	return model, model.AccessFor(tier), nil
}

// List returns the filtered catalog in stable id order, each entry
// annotated with the tier's access status and legacy facts.
func (s *Service) List(ctx context.Context, filter Filter, tier models.Tier) ([]Entry, error) {
	_, ordered, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(ordered))
	for _, model := range ordered {
		if model.IsArchived && !filter.IncludeArchived {
			continue
		}
		if filter.AvailableOnly && !model.IsAvailable {
			continue
		}
		if filter.Provider != "" && !strings.EqualFold(model.Provider, filter.Provider) {
			continue
		}
		if filter.Capability != "" && !model.HasCapability(filter.Capability) {
			continue
		}

		entries = append(entries, Entry{
			Model:        model,
			AccessStatus: model.AccessFor(tier),
			Legacy:       model.LegacyInfo(),
		})
	}

	return entries, nil
}

// Invalidate drops the snapshot so the next read reloads. Catalog writes
// are rare enough that per-id eviction is not worth the bookkeeping.
func (s *Service) Invalidate(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fetchedAt = time.Time{}
	if id != "" {
		s.logger.Debug("Model catalog invalidated", zap.String("model", id))
	}
}

// Refresh reloads the snapshot immediately.
func (s *Service) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadLocked(ctx)
}

func (s *Service) snapshot(ctx context.Context) (map[string]*models.Model, []*models.Model, error) {
	s.mu.RLock()
	if s.now().Sub(s.fetchedAt) < s.ttl {
		byID, ordered := s.byID, s.ordered
		s.mu.RUnlock()
		return byID, ordered, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.now().Sub(s.fetchedAt) < s.ttl {
		return s.byID, s.ordered, nil
	}

	if err := s.reloadLocked(ctx); err != nil {
		// Serve the stale snapshot if there is one rather than turning a
		// catalog hiccup into request failures.
		if s.byID != nil {
			s.logger.Warn("Model catalog reload failed, serving stale snapshot", zap.Error(err))
			return s.byID, s.ordered, nil
		}
		return nil, nil, err
	}

	return s.byID, s.ordered, nil
}

func (s *Service) reloadLocked(ctx context.Context) error {
	var all []models.Model
	if err := s.db.WithContext(ctx).Order("id").Find(&all).Error; err != nil {
		return err
	}

	byID := make(map[string]*models.Model, len(all))
	ordered := make([]*models.Model, len(all))
	for i := range all {
		byID[all[i].ID] = &all[i]
		ordered[i] = &all[i]
	}

	s.byID = byID
	s.ordered = ordered
	s.fetchedAt = s.now()

	s.logger.Debug("Model catalog refreshed", zap.Int("models", len(all)))
	return nil
}
