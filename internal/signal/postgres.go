package signal

import (
	"context"
	"time"

	"github.com/hitoshi/verifybridge/internal/model"
	"github.com/hitoshi/verifybridge/internal/repository"
)

// RepoProvider はSignalRepositoryに委譲するProvider。
// 本番ではPostgresSignalRepoを渡す。
type RepoProvider struct {
	repo repository.SignalRepository
	now  func() time.Time
}

// NewRepoProvider はRepoProviderを生成する。
func NewRepoProvider(repo repository.SignalRepository) *RepoProvider {
	return &RepoProvider{repo: repo, now: time.Now}
}

// For は名前空間に束縛されたStoreを返す。
func (p *RepoProvider) For(namespace string) Store {
	return &repoStore{p: p, ns: namespace}
}

type repoStore struct {
	p  *RepoProvider
	ns string
}

func (s *repoStore) Get(ctx context.Context, key string) (string, bool, error) {
	sig, err := s.p.repo.Get(ctx, s.ns, key)
	if err != nil {
		return "", false, err
	}
	if sig == nil {
		return "", false, nil
	}
	return sig.Value, true, nil
}

func (s *repoStore) Set(ctx context.Context, key, value string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	return s.p.repo.Put(ctx, &model.Signal{
		Namespace: s.ns,
		Key:       key,
		Value:     value,
		UpdatedAt: s.p.now(),
	})
}

func (s *repoStore) Delete(ctx context.Context, key string) error {
	return s.p.repo.Delete(ctx, s.ns, key)
}

func (s *repoStore) Clear(ctx context.Context) error {
	return s.p.repo.DeleteNamespace(ctx, s.ns)
}
