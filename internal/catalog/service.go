package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/tienda-erp/tienda-erp/internal/platform/cache"
	"github.com/tienda-erp/tienda-erp/internal/shared"
)

// RepositoryPort abstracts persistence for the service.
type RepositoryPort interface {
	ListGroups(ctx context.Context) ([]FamilyGroup, error)
	GetGroup(ctx context.Context, id int64) (FamilyGroup, error)
	InsertGroup(ctx context.Context, g FamilyGroup) (int64, error)
}

// AuditPort records catalog mutations.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig tunes cache lifetimes.
type ServiceConfig struct {
	TreeTTL time.Duration
}

// Service serves the family group hierarchy, cache-first.
type Service struct {
	repo   RepositoryPort
	cache  *cache.Cache
	audit  AuditPort
	logger *slog.Logger
	cfg    ServiceConfig
}

// NewService constructs Service.
func NewService(repo RepositoryPort, c *cache.Cache, audit AuditPort, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TreeTTL <= 0 {
		cfg.TreeTTL = 5 * time.Minute
	}
	return &Service{repo: repo, cache: c, audit: audit, logger: logger, cfg: cfg}
}

const treeKey = "catalog:family-groups:tree"

// Forest returns the full family group forest.
func (s *Service) Forest(ctx context.Context) ([]*Node, error) {
	var forest []*Node
	err := s.cache.Fetch(ctx, treeKey, s.cfg.TreeTTL, &forest, func(ctx context.Context) (any, error) {
		groups, err := s.repo.ListGroups(ctx)
		if err != nil {
			return nil, err
		}
		return BuildForest(groups)
	})
	return forest, err
}

// CreateGroup stores a new family group. The parent, when given, must exist;
// dangling parents are only tolerated in data that predates this check.
func (s *Service) CreateGroup(ctx context.Context, name string, parentID *int64, actorID int64) (FamilyGroup, error) {
	if name == "" {
		return FamilyGroup{}, fmt.Errorf("%w: name required", ErrValidation)
	}
	if parentID != nil {
		if _, err := s.repo.GetGroup(ctx, *parentID); err != nil {
			return FamilyGroup{}, err
		}
	}
	g := FamilyGroup{Name: name, ParentID: parentID}
	id, err := s.repo.InsertGroup(ctx, g)
	if err != nil {
		return FamilyGroup{}, fmt.Errorf("create family group: %w", err)
	}
	g.ID = id

	if err := s.cache.Invalidate(ctx, treeKey); err != nil {
		s.logger.Warn("invalidate family group tree", slog.Any("error", err))
	}
	if s.audit != nil {
		if err := s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "catalog:create-group",
			Entity:   "family_group",
			EntityID: strconv.FormatInt(id, 10),
			Meta:     map[string]any{"name": name},
		}); err != nil {
			s.logger.Warn("audit family group", slog.Any("error", err))
		}
	}
	return g, nil
}
