package model

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeoutError_UnwrapsCause(t *testing.T) {
	cause := errors.New("device not found")
	err := fmt.Errorf("attach: %w", &TimeoutError{Operation: "device vol-1", Attempts: 90, Interval: time.Second, Err: cause})

	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 90, te.Attempts)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "after 90 attempts")
}

func TestIssuanceError_Message(t *testing.T) {
	err := &IssuanceError{Subject: "203.0.113.5", Err: errors.New("ca client exited with status 1")}
	assert.Equal(t, "certificate issuance for 203.0.113.5 failed: ca client exited with status 1", err.Error())
}

func TestPreconditionError_Message(t *testing.T) {
	err := &PreconditionError{Resource: "application directory", Detail: "/opt/app does not exist"}
	assert.Equal(t, "precondition failed: application directory: /opt/app does not exist", err.Error())
}

func TestCertState_String(t *testing.T) {
	assert.Equal(t, "absent", CertAbsent.String())
	assert.Equal(t, "issuing", CertIssuing.String())
	assert.Equal(t, "installed", CertInstalled.String())
	assert.Equal(t, "renewing", CertRenewing.String())
	assert.Equal(t, "unknown", CertState(42).String())
}

func TestEnvironmentRecord_Get(t *testing.T) {
	rec := &EnvironmentRecord{Entries: []EnvEntry{{Key: "A", Value: "1"}, {Key: "B", Value: ""}}}

	v, ok := rec.Get("B")
	assert.True(t, ok)
	assert.Equal(t, "", v)

	_, ok = rec.Get("C")
	assert.False(t, ok)
	assert.Equal(t, map[string]string{"A": "1", "B": ""}, rec.Map())
}

func TestServiceStack_Running(t *testing.T) {
	s := &ServiceStack{Services: []ServiceState{
		{Service: "nginx", Running: false},
		{Service: "backend", Running: true},
	}}
	assert.True(t, s.Running("backend"))
	assert.False(t, s.Running("nginx"))
	assert.False(t, s.Running("db"))
}
