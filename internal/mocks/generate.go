// Package mocks provides mock implementations of the queue daemon's ports.
//
// This package uses go.uber.org/mock (gomock) to generate type-safe mocks for the repository,
// liveness and process interfaces of internal/core. In-memory fakes with real optimistic
// locking live in the memory subpackage.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	repo := mocks.NewMockJobRepository(ctrl)
//	repo.EXPECT().Update(gomock.Any(), gomock.Any()).Return(nil)
package mocks

// Create, GetByID, FindNextRunnableJob, FindParents, FindChildren, FindNextStaleJob,
// CountStaleJobs, FindExpiredJobs, Delete, Update, AddDependency, CountByStatus
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=job_repository_mock.go github.com/target/queuesd/internal/core JobRepository

// Create, Update, GetByID, FindNextAlive
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=daemon_repository_mock.go github.com/target/queuesd/internal/core DaemonRepository

// Beat, IsBeating, Forget
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=heartbeat_repository_mock.go github.com/target/queuesd/internal/core HeartbeatRepository

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=process_checker_mock.go github.com/target/queuesd/internal/core ProcessChecker

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=spawner_mock.go github.com/target/queuesd/internal/core Spawner
