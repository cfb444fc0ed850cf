package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/zots0127/chunkup/internal/domain/repository"
)

// MockArtifactRepository is a mock implementation of ArtifactRepository
type MockArtifactRepository struct {
	mock.Mock
}

func (m *MockArtifactRepository) CreateTemp(ctx context.Context) (repository.TempArtifact, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(repository.TempArtifact), args.Error(1)
}

func (m *MockArtifactRepository) Publish(ctx context.Context, fileName string, temp repository.TempArtifact) error {
	args := m.Called(ctx, fileName, temp)
	return args.Error(0)
}

func (m *MockArtifactRepository) Stat(ctx context.Context, fileName string) (bool, int64, error) {
	args := m.Called(ctx, fileName)
	return args.Bool(0), args.Get(1).(int64), args.Error(2)
}

func (m *MockArtifactRepository) Recover(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
