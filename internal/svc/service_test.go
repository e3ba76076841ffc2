package svc

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	assert.Equal(t, "driftvault", DefaultServiceName())
	assert.NotEmpty(t, DefaultDisplayName())
	assert.NotEmpty(t, DefaultDescription())
	assert.Contains(t, DefaultConfigPath(), "driftvault.yaml")

	// The daemon and the log viewer agree on where service-mode output goes.
	assert.Equal(t, "/var/log/driftvault-service.log", ServiceLogPath)
	assert.True(t, strings.Contains(ServiceLogPath, DefaultServiceName()))
}

func TestNewServiceConfigArguments(t *testing.T) {
	cfg := &ServiceConfig{
		Name:        DefaultServiceName(),
		DisplayName: DefaultDisplayName(),
		Description: DefaultDescription(),
		ConfigPath:  "/etc/driftvault/driftvault.yaml",
	}
	got := NewServiceConfig(cfg)

	assert.Equal(t, "driftvault", got.Name)
	assert.Contains(t, got.Arguments, "--service-run")
	assert.Contains(t, got.Arguments, "serve")
	assert.Contains(t, got.Arguments, "/etc/driftvault/driftvault.yaml")
}

func TestIsServiceMode(t *testing.T) {
	assert.True(t, IsServiceMode([]string{"driftvault", "--service-run", "serve"}))
	assert.False(t, IsServiceMode([]string{"driftvault", "serve"}))
}
