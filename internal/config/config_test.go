package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	assert.Equal(t, "/var/spool/torque", v.GetString("pbs_home"))
	assert.Equal(t, 15001, v.GetInt("port"))
	assert.Equal(t, 15002, v.GetInt("mom_port"))
	assert.Equal(t, 300, v.GetInt("tcp_timeout"))
	assert.Equal(t, 0, v.GetInt("job_requeue_timeout"))
	assert.Equal(t, "batch", v.GetString("default_queue"))
}

func TestRequeueTimeout(t *testing.T) {
	tests := map[string]struct {
		seconds int
		want    time.Duration
	}{
		"unset":    {seconds: 0, want: DefaultRerunTimeout},
		"negative": {seconds: -3, want: 45 * time.Second},
		"set":      {seconds: 120, want: 2 * time.Minute},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			c := NewConfig("/tmp/pbs")
			c.TimeoutForJobRequeue = tc.seconds
			assert.Equal(t, tc.want, c.RequeueTimeout())
		})
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(home, "server_priv"), 0750))
	yaml := `
server_name: head
job_requeue_timeout: 90
managers:
  - root@head
  - admin@*
operators: [ops@head]
`
	require.NoError(t, os.WriteFile(filepath.Join(home, "server_priv", "pbs_server.yaml"), []byte(yaml), 0640))
	t.Setenv("PBS_HOME", home)
	t.Setenv("PBS_PORT", "16001")

	c, err := Load(viper.New())
	require.NoError(t, err)
	assert.Equal(t, home, c.PBSHome)
	assert.Equal(t, filepath.Join(home, "server_priv", "jobs"), c.JobsDir)
	assert.Equal(t, 16001, c.Port)
	assert.Equal(t, "head", c.ServerName)
	assert.Equal(t, 90*time.Second, c.RequeueTimeout())
	assert.Equal(t, []string{"root@head", "admin@*"}, c.Managers)
	assert.Equal(t, []string{"ops@head"}, c.Operators)
}

func TestLoad_NoFile(t *testing.T) {
	t.Setenv("PBS_HOME", t.TempDir())
	c, err := Load(viper.New())
	require.NoError(t, err)
	assert.Equal(t, 15001, c.Port)
	assert.Equal(t, DefaultRerunTimeout, c.RequeueTimeout())
	assert.NotEmpty(t, c.ServerName)
}

func TestLoad_InvalidPort(t *testing.T) {
	t.Setenv("PBS_HOME", t.TempDir())
	v := viper.New()
	v.Set("port", 70000)
	_, err := Load(v)
	assert.Error(t, err)
}

func TestReadNodeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes")
	content := "# compute nodes\nn1 np=4\nn2 np=2 mom_service_port=16002 gpu\n\nn3\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0640))

	defs, err := ReadNodeFile(path)
	require.NoError(t, err)
	assert.Equal(t, []NodeDef{
		{Name: "n1", NumProcs: 4},
		{Name: "n2", NumProcs: 2, MomPort: 16002},
		{Name: "n3", NumProcs: 1},
	}, defs)

	require.NoError(t, os.WriteFile(path, []byte("n1 np=many\n"), 0640))
	_, err = ReadNodeFile(path)
	assert.Error(t, err)
}
