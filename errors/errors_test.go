package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToErrorDetail(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		wantType  string
		wantCode  string
		isTimeout bool
	}{
		{
			name:     "spawn",
			err:      &SpawnError{Err: fmt.Errorf("no such file"), Executable: "/bin/srv", Stage: "start"},
			wantType: "spawn", wantCode: "start",
		},
		{
			name:     "load",
			err:      &LoadError{Path: "/p/x.vst3", Stage: "factory", Reason: "no class"},
			wantType: "load", wantCode: "factory",
		},
		{
			name:     "protocol",
			err:      &ProtocolError{Message: "process", Reason: "oversized frame"},
			wantType: "protocol", wantCode: "process",
		},
		{
			name:     "timeout",
			err:      &TimeoutError{Operation: "process", Duration: 5 * time.Millisecond},
			wantType: "timeout", wantCode: "process", isTimeout: true,
		},
		{
			name:     "crash",
			err:      &CrashError{Reason: "signal", Detail: "SIGSEGV", PID: 42},
			wantType: "crash", wantCode: "signal",
		},
		{
			name:     "cancelled",
			err:      &CancelledError{Operation: "process"},
			wantType: "cancelled", wantCode: "process",
		},
		{
			name:     "state",
			err:      &StateError{Operation: "process", State: "unloaded"},
			wantType: "state", wantCode: "process",
		},
		{
			name:     "plain error",
			err:      fmt.Errorf("something broke"),
			wantType: "internal",
		},
		{
			name:     "wrapped detailed error",
			err:      fmt.Errorf("outer: %w", &LoadError{Path: "x", Stage: "opening", Reason: "gone"}),
			wantType: "load", wantCode: "opening",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			detail := ToErrorDetail(tc.err)
			require.NotNil(t, detail)
			assert.Equal(t, tc.wantType, detail.Type)
			assert.Equal(t, tc.wantCode, detail.Code)
			assert.Equal(t, tc.isTimeout, detail.IsTimeout)
			assert.NotEmpty(t, detail.Message)
			assert.Equal(t, detail.Message, detail.Error())
		})
	}

	assert.Nil(t, ToErrorDetail(nil))
}

func TestToErrorDetailPassesThroughDetail(t *testing.T) {
	orig := &ErrorDetail{Message: "from the wire", Type: "load", Code: "setup"}
	assert.Same(t, orig, ToErrorDetail(fmt.Errorf("round trip: %w", orig)))
}

func TestUnwrapChains(t *testing.T) {
	cause := fmt.Errorf("dlopen failed")

	var loadErr *LoadError
	err := fmt.Errorf("loading: %w", &LoadError{Err: cause, Path: "x.so", Stage: "opening"})
	require.ErrorAs(t, err, &loadErr)
	assert.True(t, stdErrors.Is(err, cause))

	var spawnErr *SpawnError
	err = &SpawnError{Err: cause, Executable: "srv", Stage: "connect"}
	require.ErrorAs(t, error(err), &spawnErr)
	assert.True(t, stdErrors.Is(err, cause))

	var protoErr *ProtocolError
	err2 := &ProtocolError{Err: cause}
	require.ErrorAs(t, error(err2), &protoErr)
	assert.True(t, stdErrors.Is(err2, cause))
}

func TestTimeoutErrorReportsTimeout(t *testing.T) {
	err := &TimeoutError{Operation: "process", Duration: 2 * time.Millisecond}
	var timeout interface{ Timeout() bool }
	require.ErrorAs(t, error(err), &timeout)
	assert.True(t, timeout.Timeout())
}

func TestErrorStrings(t *testing.T) {
	assert.Equal(t, "process timeout after 5ms",
		(&TimeoutError{Operation: "process", Duration: 5 * time.Millisecond}).Error())
	assert.Equal(t, "process cancelled by shutdown",
		(&CancelledError{Operation: "process"}).Error())
	assert.Equal(t, "unload not allowed in state crashed",
		(&StateError{Operation: "unload", State: "crashed"}).Error())
	assert.Equal(t, "plugin process crashed (signal, pid 7): SIGKILL",
		(&CrashError{Reason: "signal", Detail: "SIGKILL", PID: 7}).Error())
	assert.Contains(t,
		(&LoadError{Path: "a.clap", Stage: "factory", Reason: "no descriptor"}).Error(),
		"at factory: no descriptor")
}
