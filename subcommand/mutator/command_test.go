package mutator

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T, names ...string) {
	t.Helper()
	for _, n := range names {
		old, had := os.LookupEnv(n)
		os.Unsetenv(n)
		t.Cleanup(func() {
			if had {
				os.Setenv(n, old)
			}
		})
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t, "PORT", "SECURE_PORT", "CERTIFICATE", "CERTIFICATE_KEY",
		"UPDATE_DEBOUNCE", "CHECKSUM_TYPE", "SET_DEPLOYMENT_SPEC_TIMESTAMP")
	// The default SECURE_PORT is non-zero, so the certificate paths must be
	// present for the default configuration to load.
	os.Setenv("CERTIFICATE", "/tls/tls.crt")
	os.Setenv("CERTIFICATE_KEY", "/tls/tls.key")
	t.Cleanup(func() { os.Unsetenv("CERTIFICATE"); os.Unsetenv("CERTIFICATE_KEY") })

	cfg, err := loadConfig()
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.port)
	require.Equal(t, 8443, cfg.securePort)
	require.Equal(t, 60*time.Second, cfg.updateDebounce)
	require.Equal(t, "md5", cfg.checksumType)
	require.True(t, cfg.setDeploymentAnnotations)
	require.False(t, cfg.setDeploymentSpecTimestamp)
}

func TestLoadConfig_RejectsBothListenersDisabled(t *testing.T) {
	clearEnv(t, "PORT", "SECURE_PORT")
	os.Setenv("PORT", "0")
	os.Setenv("SECURE_PORT", "0")
	t.Cleanup(func() { os.Unsetenv("PORT"); os.Unsetenv("SECURE_PORT") })

	_, err := loadConfig()
	require.Error(t, err)
}

func TestLoadConfig_SecurePortRequiresCertificates(t *testing.T) {
	clearEnv(t, "SECURE_PORT", "CERTIFICATE", "CERTIFICATE_KEY")
	os.Setenv("SECURE_PORT", "8443")
	t.Cleanup(func() { os.Unsetenv("SECURE_PORT") })

	_, err := loadConfig()
	require.Error(t, err)
}
