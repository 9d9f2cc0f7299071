package supervisor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeComponent struct {
	name     string
	startErr error
	stopErr  error
	log      *[]string
}

func (f *fakeComponent) Name() string { return f.name }

func (f *fakeComponent) Start(context.Context) error {
	*f.log = append(*f.log, "start:"+f.name)
	return f.startErr
}

func (f *fakeComponent) Stop(context.Context) error {
	*f.log = append(*f.log, "stop:"+f.name)
	return f.stopErr
}

func TestStartOrderAndReverseStop(t *testing.T) {
	var calls []string
	s := New(
		&fakeComponent{name: "a", log: &calls},
		&fakeComponent{name: "b", log: &calls},
		&fakeComponent{name: "c", log: &calls},
	)

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsRunning())
	assert.Equal(t, []string{"start:a", "start:b", "start:c"}, calls)

	s.Stop()
	assert.False(t, s.IsRunning())
	assert.Equal(t, []string{"start:a", "start:b", "start:c", "stop:c", "stop:b", "stop:a"}, calls)
}

func TestStartFailureTearsDownStartedComponents(t *testing.T) {
	var calls []string
	s := New(
		&fakeComponent{name: "a", log: &calls},
		&fakeComponent{name: "b", startErr: errors.New("boom"), log: &calls},
		&fakeComponent{name: "c", log: &calls},
	)

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start b")
	assert.False(t, s.IsRunning())
	// a started and was torn down; b failed before joining the started
	// list; c was never reached.
	assert.Equal(t, []string{"start:a", "start:b", "stop:a"}, calls)
}

func TestStopSurvivesComponentError(t *testing.T) {
	var calls []string
	s := New(
		&fakeComponent{name: "a", log: &calls},
		&fakeComponent{name: "b", stopErr: errors.New("stuck"), log: &calls},
	)

	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	assert.Equal(t, []string{"start:a", "start:b", "stop:b", "stop:a"}, calls)
}

func TestStartIdempotent(t *testing.T) {
	var calls []string
	s := New(&fakeComponent{name: "a", log: &calls})

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, []string{"start:a"}, calls)

	s.Stop()
	s.Stop()
	assert.Equal(t, []string{"start:a", "stop:a"}, calls)
}

func TestFuncAdapter(t *testing.T) {
	started, stopped := false, false
	f := Func{
		ComponentName: "adapter",
		OnStart:       func(context.Context) error { started = true; return nil },
		OnStop:        func(context.Context) error { stopped = true; return nil },
	}

	assert.Equal(t, "adapter", f.Name())
	require.NoError(t, f.Start(context.Background()))
	require.NoError(t, f.Stop(context.Background()))
	assert.True(t, started)
	assert.True(t, stopped)

	var empty Func
	require.NoError(t, empty.Start(context.Background()))
	require.NoError(t, empty.Stop(context.Background()))
}
