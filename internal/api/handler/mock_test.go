package handler

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/edvin/vmbackup/internal/core"
	"github.com/edvin/vmbackup/internal/model"
	"github.com/edvin/vmbackup/internal/scheduler"
)

// mockService implements Service for handler tests.
type mockService struct {
	mock.Mock
}

func (m *mockService) CreateBackup(ctx context.Context, req core.CreateRequest) (*model.Operation, *model.Backup, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, nil, args.Error(2)
	}
	return args.Get(0).(*model.Operation), args.Get(1).(*model.Backup), args.Error(2)
}

func (m *mockService) RestoreBackup(ctx context.Context, backupID, targetVM string) (*model.Operation, error) {
	args := m.Called(ctx, backupID, targetVM)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Operation), args.Error(1)
}

func (m *mockService) DeleteBackup(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockService) GetBackup(ctx context.Context, id string) (*model.Backup, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Backup), args.Error(1)
}

func (m *mockService) ListBackups(ctx context.Context, filter model.BackupFilter) ([]*model.Backup, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Backup), args.Error(1)
}

func (m *mockService) GetOperation(id string) (*model.Operation, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Operation), args.Error(1)
}

func (m *mockService) ListOperations() []*model.Operation {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]*model.Operation)
}

func (m *mockService) OperationCount() int {
	return m.Called().Int(0)
}

func (m *mockService) CountBackups(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *mockService) Metrics() core.Metrics {
	return m.Called().Get(0).(core.Metrics)
}

func (m *mockService) Health(ctx context.Context) core.Health {
	return m.Called(ctx).Get(0).(core.Health)
}

// mockJobs implements Jobs for status handler tests.
type mockJobs struct {
	mock.Mock
}

func (m *mockJobs) Jobs() []scheduler.JobStatus {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]scheduler.JobStatus)
}
