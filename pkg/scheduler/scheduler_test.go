package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/lucid-vigil/healthguard/pkg/config"
	"github.com/lucid-vigil/healthguard/pkg/testutil"
)

// MockJob is a mock implementation of the Job interface.
type MockJob struct {
	mock.Mock // Embed mock.Mock
}

func (m *MockJob) Name() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockJob) Run(ctx context.Context) {
	m.Called(ctx)
}

type MockSweeper struct {
	mock.Mock
}

func (m *MockSweeper) SweepAll(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

type MockRetrainer struct {
	mock.Mock
}

func (m *MockRetrainer) RetrainAll(ctx context.Context, workers int) (int, error) {
	args := m.Called(ctx, workers)
	return args.Int(0), args.Error(1)
}

func TestScheduler_RegisterJob(t *testing.T) {
	cfg := &config.Config{}
	sched := NewScheduler(cfg)

	job := new(MockJob)
	job.On("Name").Return("test_job")

	sched.RegisterJob(job)

	assert.Len(t, sched.jobs, 1)
	assert.Equal(t, job, sched.jobs[0])
	job.AssertExpectations(t)
}

func TestScheduler_Start(t *testing.T) {
	cfg := &config.Config{
		Jobs: []config.JobConfig{
			{Name: "job_enabled", Enabled: true, Interval: "100ms"},
			{Name: "job_disabled", Enabled: false, Interval: "100ms"},
			{Name: "job_invalid_interval", Enabled: true, Interval: "invalid"},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sched := NewScheduler(cfg)

	enabledJob := new(MockJob)
	enabledJob.On("Name").Return("job_enabled")

	// 1 initial run plus ticks
	var wg sync.WaitGroup
	expectedCalls := 3
	wg.Add(expectedCalls)
	var once sync.Once
	calls := 0
	var mu sync.Mutex
	enabledJob.On("Run", mock.Anything).Run(func(args mock.Arguments) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls <= expectedCalls {
			wg.Done()
		}
		if calls == expectedCalls {
			once.Do(cancel)
		}
	}).Return()
	sched.RegisterJob(enabledJob)

	disabledJob := new(MockJob)
	disabledJob.On("Name").Return("job_disabled")
	sched.RegisterJob(disabledJob)

	invalidIntervalJob := new(MockJob)
	invalidIntervalJob.On("Name").Return("job_invalid_interval")
	sched.RegisterJob(invalidIntervalJob)

	unconfiguredJob := new(MockJob)
	unconfiguredJob.On("Name").Return("job_unconfigured")
	sched.RegisterJob(unconfiguredJob)

	sched.Start(ctx)
	wg.Wait()
	sched.Wait()

	enabledJob.AssertExpectations(t)
	disabledJob.AssertNotCalled(t, "Run", mock.Anything)
	invalidIntervalJob.AssertNotCalled(t, "Run", mock.Anything)
	unconfiguredJob.AssertNotCalled(t, "Run", mock.Anything)
}

func TestScheduler_Shutdown(t *testing.T) {
	cfg := &config.Config{
		Jobs: []config.JobConfig{
			{Name: "shutdown_job", Enabled: true, Interval: "100ms"},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	sched := NewScheduler(cfg)

	job := new(MockJob)
	job.On("Name").Return("shutdown_job")
	// Use a WaitGroup to ensure the Run method is called at least once before shutdown
	var wg sync.WaitGroup
	wg.Add(1)
	var once sync.Once
	job.On("Run", mock.Anything).Run(func(args mock.Arguments) { once.Do(wg.Done) }).Return()
	sched.RegisterJob(job)

	sched.Start(ctx)
	wg.Wait()
	cancel()

	done := make(chan struct{})
	go func() {
		sched.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}
	job.AssertExpectations(t)
}

func TestRiskSweepJob(t *testing.T) {
	sweeper := new(MockSweeper)
	sweeper.On("SweepAll", mock.Anything).Return(4, nil).Once()
	sweeper.On("SweepAll", mock.Anything).Return(0, errors.New("store down")).Once()

	job := NewRiskSweepJob(sweeper)
	assert.Equal(t, RiskSweepJobName, job.Name())
	job.Run(context.Background())
	job.Run(context.Background())

	sweeper.AssertNumberOfCalls(t, "SweepAll", 2)
}

func withCPU(t *testing.T, usage float64, err error) {
	t.Helper()
	old := cpuPercent
	cpuPercent = func(context.Context) (float64, error) { return usage, err }
	t.Cleanup(func() { cpuPercent = old })
}

func TestModelRetrainJob(t *testing.T) {
	tests := []struct {
		name      string
		usage     float64
		cpuErr    error
		maxCPU    float64
		expectRun bool
	}{
		{"idle host", 20, nil, 85, true},
		{"busy host", 97, nil, 85, false},
		{"sampling fails", 0, errors.New("no /proc"), 85, true},
		{"guard disabled", 100, nil, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withCPU(t, tt.usage, tt.cpuErr)
			retrainer := new(MockRetrainer)
			retrainer.On("RetrainAll", mock.Anything, 3).Return(2, nil)

			job := NewModelRetrainJob(retrainer, 3, tt.maxCPU)
			assert.Equal(t, ModelRetrainJobName, job.Name())
			job.Run(context.Background())

			if tt.expectRun {
				retrainer.AssertCalled(t, "RetrainAll", mock.Anything, 3)
			} else {
				retrainer.AssertNotCalled(t, "RetrainAll", mock.Anything, mock.Anything)
			}
		})
	}
}

func TestJobs_Suite(t *testing.T) {
	withCPU(t, 10, nil)

	sweeper := new(MockSweeper)
	sweeper.On("SweepAll", mock.Anything).Return(0, nil)
	testutil.NewJobTestSuite(t, NewRiskSweepJob(sweeper)).RunBasicTests()

	retrainer := new(MockRetrainer)
	retrainer.On("RetrainAll", mock.Anything, 2).Return(0, nil)
	testutil.NewJobTestSuite(t, NewModelRetrainJob(retrainer, 2, 90)).RunBasicTests()
}
