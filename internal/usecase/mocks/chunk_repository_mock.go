package mocks

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"
	"github.com/zots0127/chunkup/internal/domain/entities"
)

// MockChunkRepository is a mock implementation of ChunkRepository
type MockChunkRepository struct {
	mock.Mock
}

func (m *MockChunkRepository) List(ctx context.Context, fileName string) ([]entities.ChunkRef, error) {
	args := m.Called(ctx, fileName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]entities.ChunkRef), args.Error(1)
}

func (m *MockChunkRepository) Exists(ctx context.Context, fileName string, ref entities.ChunkRef) (bool, error) {
	args := m.Called(ctx, fileName, ref)
	return args.Bool(0), args.Error(1)
}

// Put drains r before consulting the mock so callers observe a full read.
func (m *MockChunkRepository) Put(ctx context.Context, fileName string, ref entities.ChunkRef, r io.Reader, verify func() error) (bool, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return false, err
	}
	if verify != nil {
		if err := verify(); err != nil {
			return false, err
		}
	}
	args := m.Called(ctx, fileName, ref)
	return args.Bool(0), args.Error(1)
}

func (m *MockChunkRepository) Open(ctx context.Context, fileName string, ref entities.ChunkRef) (io.ReadCloser, error) {
	args := m.Called(ctx, fileName, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(io.ReadCloser), args.Error(1)
}

func (m *MockChunkRepository) Remove(ctx context.Context, fileName string, ref entities.ChunkRef) error {
	args := m.Called(ctx, fileName, ref)
	return args.Error(0)
}

func (m *MockChunkRepository) RemoveAll(ctx context.Context, fileName string) error {
	args := m.Called(ctx, fileName)
	return args.Error(0)
}

func (m *MockChunkRepository) Sessions(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}
