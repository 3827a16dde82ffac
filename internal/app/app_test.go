package app

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pledgeline/internal/config"
	"pledgeline/internal/email"
)

func TestOpenWithoutConfigUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(Options{Workspace: dir, Console: &bytes.Buffer{}})
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, config.Default().Server.Addr, a.Config.Server.Addr)
	assert.Nil(t, a.Provider)
	require.NotNil(t, a.Archive)
	assert.IsType(t, email.LogSender{}, a.Engine.Mailer)
	assert.NotNil(t, a.Engine.Metrics)
	assert.Equal(t, 4, a.Monitor().Config.Concurrency)
	_, err = os.Stat(filepath.Join(dir, ".pledgeline", "pledgeline.db"))
	require.NoError(t, err)
}

func TestOpenWiresConfiguredProviders(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".pledgeline"), 0o755))
	yml := `
esign:
  base_url: https://esign.example.org/restapi
  account_id: acct-1
  token_env: ESIGN_TOKEN
email:
  provider: http
  endpoint: https://mail.example.org/send
  api_key_env: MAIL_KEY
  from: noreply@example.org
`
	require.NoError(t, os.WriteFile(config.Path(dir), []byte(yml), 0o644))
	env := map[string]string{"ESIGN_TOKEN": "tok", "MAIL_KEY": "key"}
	a, err := Open(Options{Workspace: dir, Console: &bytes.Buffer{}, Getenv: func(k string) string { return env[k] }})
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Provider)
	assert.IsType(t, &email.HTTPSender{}, a.Engine.Mailer)
	assert.Equal(t, "acct-1", a.Config.ESign.AccountID)
}

func TestNewMailerRejectsUnknownProvider(t *testing.T) {
	_, err := NewMailer(config.EmailConfig{Provider: "pigeon"}, zerolog.Nop(), os.Getenv)
	require.Error(t, err)
}
