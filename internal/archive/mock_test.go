package archive

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/edvin/vmbackup/internal/vm"
)

// mockController implements vm.Controller for pipeline tests.
type mockController struct {
	mock.Mock
}

func (m *mockController) Status(ctx context.Context, name string) (vm.State, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(vm.State), args.Error(1)
}

func (m *mockController) Start(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

func (m *mockController) Stop(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

func (m *mockController) DiskPath(ctx context.Context, name string) (string, error) {
	args := m.Called(ctx, name)
	return args.String(0), args.Error(1)
}

func (m *mockController) List(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockController) CreateSnapshot(ctx context.Context, name, snapshot string) error {
	args := m.Called(ctx, name, snapshot)
	return args.Error(0)
}

func (m *mockController) DeleteSnapshot(ctx context.Context, name, snapshot string) error {
	args := m.Called(ctx, name, snapshot)
	return args.Error(0)
}
