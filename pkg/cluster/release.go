package cluster

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"provisiond/pkg/model"
	"provisiond/pkg/store"
)

type ReleaseRequest struct {
	Name        string                     `json:"name"`
	Version     string                     `json:"version"`
	Description string                     `json:"description"`
	Networks    []model.NetworkRequirement `json:"networks_metadata"`
}

// ReleaseService manages releases. Releases are immutable once created.
type ReleaseService struct {
	st store.Store
	// accessClasses are the configured pool names a requirement may use.
	accessClasses []string
}

func NewReleaseService(st store.Store, accessClasses []string) *ReleaseService {
	return &ReleaseService{st: st, accessClasses: accessClasses}
}

func (s *ReleaseService) Create(ctx context.Context, req ReleaseRequest) (model.Release, error) {
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Version) == "" {
		return model.Release{}, fmt.Errorf("%w: name and version are required", model.ErrInvalidRequest)
	}
	if len(req.Networks) == 0 {
		return model.Release{}, fmt.Errorf("%w: networks_metadata must list at least one network", model.ErrInvalidRequest)
	}
	names := map[string]struct{}{}
	for _, nr := range req.Networks {
		if nr.Name == "" {
			return model.Release{}, fmt.Errorf("%w: network name is required", model.ErrInvalidRequest)
		}
		if _, dup := names[nr.Name]; dup {
			return model.Release{}, fmt.Errorf("%w: duplicate network %q", model.ErrInvalidRequest, nr.Name)
		}
		names[nr.Name] = struct{}{}
		if len(s.accessClasses) > 0 && !lo.Contains(s.accessClasses, nr.Access) {
			return model.Release{}, fmt.Errorf("%w: network %q access %q (known: %v)", model.ErrUnknownAccess, nr.Name, nr.Access, s.accessClasses)
		}
	}
	r := model.Release{
		Name:        req.Name,
		Version:     req.Version,
		Description: req.Description,
		Networks:    req.Networks,
	}
	if err := s.st.CreateRelease(ctx, &r); err != nil {
		return model.Release{}, fmt.Errorf("failed to create release: %w", err)
	}
	return r, nil
}

func (s *ReleaseService) Get(ctx context.Context, id uint) (model.Release, error) {
	return s.st.GetRelease(ctx, id)
}

func (s *ReleaseService) List(ctx context.Context) ([]model.Release, error) {
	return s.st.ListReleases(ctx)
}
