package notify

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockAPI struct {
	mock.Mock
}

func (m *MockAPI) List(ctx context.Context, opts ListOptions) (*ListResponse, error) {
	args := m.Called(ctx, opts)
	if resp, ok := args.Get(0).(*ListResponse); ok {
		return resp, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAPI) Heartbeat(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
