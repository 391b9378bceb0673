package users

import (
	"context"
	"sort"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	ListUsers(ctx context.Context, tenantID string) ([]User, error)
}

// Service handles user business logic.
type Service struct {
	repo     RepositoryPort
	collator *collate.Collator
}

// NewService builds a Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{
		repo:     repo,
		collator: collate.New(language.Und, collate.IgnoreCase),
	}
}

// ListUsers returns the tenant's users ordered by display name. Collation is
// locale-aware so accented names sort next to their base letters.
func (s *Service) ListUsers(ctx context.Context, tenantID string) ([]User, error) {
	list, err := s.repo.ListUsers(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(list, func(i, j int) bool {
		if cmp := s.collator.CompareString(list[i].Name, list[j].Name); cmp != 0 {
			return cmp < 0
		}
		return list[i].Email < list[j].Email
	})
	return list, nil
}
