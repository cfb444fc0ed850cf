package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/zots0127/chunkup/internal/domain/entities"
	"github.com/zots0127/chunkup/internal/domain/repository"
)

// MockSessionRepository is a mock implementation of SessionRepository
type MockSessionRepository struct {
	mock.Mock
}

func (m *MockSessionRepository) Get(ctx context.Context, fileName string) (*entities.Session, error) {
	args := m.Called(ctx, fileName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entities.Session), args.Error(1)
}

func (m *MockSessionRepository) Touch(ctx context.Context, fileName string) error {
	args := m.Called(ctx, fileName)
	return args.Error(0)
}

func (m *MockSessionRepository) Transition(ctx context.Context, fileName string, state entities.SessionState, update repository.SessionUpdate) error {
	args := m.Called(ctx, fileName, state, update)
	return args.Error(0)
}

func (m *MockSessionRepository) ListStale(ctx context.Context, states []entities.SessionState, before time.Time) ([]*entities.Session, error) {
	args := m.Called(ctx, states, before)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*entities.Session), args.Error(1)
}

func (m *MockSessionRepository) ResetMerging(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *MockSessionRepository) CountOpen(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}
