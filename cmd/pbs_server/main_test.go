package main

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentorque/pbs-rerun/internal/config"
)

func TestRootCmd_FlagsReachConfig(t *testing.T) {
	home := t.TempDir()
	v := viper.New()
	cmd := newRootCmd(v)
	require.NoError(t, cmd.ParseFlags([]string{"-d", home, "-p", "16001", "--server-name", "head", "--job-requeue-timeout", "90"}))

	cfg, err := config.Load(v)
	require.NoError(t, err)
	assert.Equal(t, home, cfg.PBSHome)
	assert.Equal(t, 16001, cfg.Port)
	assert.Equal(t, "head", cfg.ServerName)
	assert.Equal(t, int64(90), int64(cfg.RequeueTimeout().Seconds()))
}
