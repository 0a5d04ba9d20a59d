package sandbox

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSuccessRunnerAlwaysSucceeds(t *testing.T) {
	res, err := SuccessRunner{}.Run(context.Background(), Configuration{})
	require.NoError(t, err)
	require.Empty(t, res.Error)
	require.NotNil(t, res.Success)
	require.Equal(t, "success", res.Success.Status.Kind)
}

func TestErrorRunnerReportsConfiguredMessage(t *testing.T) {
	res, err := ErrorRunner{Message: "boom"}.Run(context.Background(), Configuration{})
	require.NoError(t, err)
	require.Nil(t, res.Success)
	require.Equal(t, "boom", res.Error)
}

func TestErrorRunnerDefaultMessage(t *testing.T) {
	res, err := ErrorRunner{}.Run(context.Background(), Configuration{})
	require.NoError(t, err)
	require.NotEmpty(t, res.Error)
}

func TestUnsafeRunnerExecutesRealBinary(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("rlimits applied by Execute are linux-specific")
	}

	cfg := Configuration{
		Executable: "/bin/true",
		WallTime:   2 * time.Second,
		ExtraGrace: time.Second,
	}
	res, err := UnsafeRunner{}.Run(context.Background(), cfg)
	require.NoError(t, err)
	require.Empty(t, res.Error)
	require.NotNil(t, res.Success)
	require.Equal(t, "success", res.Success.Status.Kind)
	require.False(t, res.Success.WasKilled)
}

func TestUnsafeRunnerReportsNonZeroExit(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("rlimits applied by Execute are linux-specific")
	}

	cfg := Configuration{
		Executable: "/bin/false",
		WallTime:   2 * time.Second,
		ExtraGrace: time.Second,
	}
	res, err := UnsafeRunner{}.Run(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, res.Success)
	require.Equal(t, "return_code", res.Success.Status.Kind)
	require.Equal(t, 1, res.Success.Status.ReturnCode)
}

func TestUnsafeRunnerKillsOnWallTimeExceeded(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("rlimits applied by Execute are linux-specific")
	}

	cfg := Configuration{
		Executable: "/bin/sleep",
		Args:       []string{"5"},
		WallTime:   100 * time.Millisecond,
		ExtraGrace: 50 * time.Millisecond,
	}
	res, err := UnsafeRunner{}.Run(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, res.Success)
	require.True(t, res.Success.WasKilled)
	require.Equal(t, "killed_by_limit", res.Success.Status.Kind)
}

func TestBuildCommandRejectsMissingExecutable(t *testing.T) {
	res := Execute(Configuration{Executable: "/no/such/binary-taskexec-test"})
	require.NotEmpty(t, res.Error)
	require.Nil(t, res.Success)
}
