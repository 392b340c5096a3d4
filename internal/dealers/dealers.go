package dealers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru"
	"github.com/ksred/carquote-api/internal/types"
	"github.com/ksred/carquote-api/pkg/middleware"
	"github.com/ksred/carquote-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Service manages dealer profiles and answers eligibility questions
type Service struct {
	db          *Database
	cache       *lru.Cache
	eligibility Eligibility

	// generations counts profile writes per dealer. A cache fill is dropped when
	// a write landed between its database read and its Add.
	mu          sync.Mutex
	generations map[string]uint64
}

// NewService creates a dealer service with an LRU cache of cacheSize profiles
func NewService(gormDB *gorm.DB, cacheSize int) (*Service, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dealer cache: %w", err)
	}
	return &Service{
		db:          NewDatabase(gormDB),
		cache:       cache,
		eligibility: SegmentEligibility{},
		generations: make(map[string]uint64),
	}, nil
}

// WithEligibility replaces the default segment predicate
func (s *Service) WithEligibility(e Eligibility) *Service {
	s.eligibility = e
	return s
}

// GetProfile returns the dealer's profile, from cache when possible
func (s *Service) GetProfile(ctx context.Context, dealerID string) (*DealerProfile, error) {
	if v, ok := s.cache.Get(dealerID); ok {
		profile := *v.(*DealerProfile)
		return &profile, nil
	}

	s.mu.Lock()
	generation := s.generations[dealerID]
	s.mu.Unlock()

	profile, err := s.db.GetProfile(ctx, dealerID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.generations[dealerID] == generation {
		cached := *profile
		s.cache.Add(dealerID, &cached)
	}
	s.mu.Unlock()
	return profile, nil
}

// UpsertProfile creates or replaces a dealer profile. Billing calls this when a
// subscription changes.
func (s *Service) UpsertProfile(ctx context.Context, profile *DealerProfile) error {
	profile.DealerID = strings.TrimSpace(profile.DealerID)
	if profile.DealerID == "" {
		return fmt.Errorf("%w: dealer_id is required", types.ErrValidation)
	}
	if profile.SubscriptionType == "" {
		profile.SubscriptionType = SubscriptionBasic
	}
	if !profile.SubscriptionType.Valid() {
		return fmt.Errorf("%w: unknown subscription type %q", types.ErrValidation, profile.SubscriptionType)
	}

	if err := s.db.UpsertProfile(ctx, profile); err != nil {
		return fmt.Errorf("failed to save dealer profile: %w", err)
	}
	s.mu.Lock()
	s.generations[profile.DealerID]++
	s.cache.Remove(profile.DealerID)
	s.mu.Unlock()

	log.Info().
		Str("service", "dealers").
		Str("dealer_id", profile.DealerID).
		Str("subscription_type", string(profile.SubscriptionType)).
		Bool("active", profile.Active).
		Msg("dealer profile saved")
	return nil
}

// Eligible reports whether the dealer may bid in the segment. Unknown dealers are not eligible.
func (s *Service) Eligible(ctx context.Context, dealerID string, segment Segment) (bool, *DealerProfile, error) {
	profile, err := s.GetProfile(ctx, dealerID)
	if err != nil {
		if isNotFound(err) {
			return false, nil, nil
		}
		return false, nil, err
	}
	return s.eligibility.Eligible(profile, segment), profile, nil
}

// ListEligible returns every active dealer that may bid in the segment
func (s *Service) ListEligible(ctx context.Context, segment Segment) ([]DealerProfile, error) {
	profiles, err := s.db.GetActiveProfiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list dealers: %w", err)
	}

	eligible := make([]DealerProfile, 0, len(profiles))
	for i := range profiles {
		if s.eligibility.Eligible(&profiles[i], segment) {
			eligible = append(eligible, profiles[i])
		}
	}
	return eligible, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, types.ErrNotFound)
}

// GinHandlers contains HTTP handlers for dealer endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GetMyProfileHandler returns the calling dealer's profile
func (h *GinHandlers) GetMyProfileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := middleware.GetPrincipal(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		profile, err := h.service.GetProfile(c.Request.Context(), principal.ID)
		response.Handle(c, profile, err)
	}
}

type upsertProfileRequest struct {
	Name             string           `json:"name"`
	SubscriptionType SubscriptionType `json:"subscription_type"`
	Regions          []string         `json:"regions"`
	Brands           []string         `json:"brands"`
	Active           *bool            `json:"active"`
}

// UpsertProfileHandler handles PUT requests that onboard a dealer or change its tier
// URL parameter: dealer_id
func (h *GinHandlers) UpsertProfileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req upsertProfileRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		active := true
		if req.Active != nil {
			active = *req.Active
		}

		profile := &DealerProfile{
			DealerID:         c.Param("dealer_id"),
			Name:             req.Name,
			SubscriptionType: req.SubscriptionType,
			Regions:          req.Regions,
			Brands:           req.Brands,
			Active:           active,
		}
		if err := h.service.UpsertProfile(c.Request.Context(), profile); err != nil {
			response.Handle(c, nil, err)
			return
		}

		saved, err := h.service.GetProfile(c.Request.Context(), profile.DealerID)
		response.Handle(c, saved, err)
	}
}
