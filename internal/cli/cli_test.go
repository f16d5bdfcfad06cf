package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/basel-ax/stickergen/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "r8_cli_test"

var sticker = []byte("\x89PNG\r\n\x1a\ncli-sticker")

func fakeReplicate(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	var ts *httptest.Server
	ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		switch {
		case r.URL.Path == "/files/sticker.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(sticker)
		case r.Header.Get("Authorization") != "Bearer "+testToken:
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":"Invalid token."}`))
		case r.Method == http.MethodPost && r.URL.Path == "/v1/predictions":
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"pred-cli","status":"starting"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v1/predictions/pred-cli":
			fmt.Fprintf(w, `{"id":"pred-cli","status":"succeeded","output":["%s/files/sticker.png"]}`, ts.URL)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(ts.Close)
	return ts, &calls
}

// setupEnv isolates the command from the developer's .env and environment.
func setupEnv(t *testing.T, baseURL string) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("REPLICATE_BASE_URL", baseURL)
	t.Setenv("DEFAULT_CHECK_INTERVAL", "1")
	t.Setenv(TokenEnv, "")
	t.Setenv("DB_HOST", "")
	t.Setenv("APP_ENV", "test")
	return dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestGenerateWritesDefaultFile(t *testing.T) {
	ts, _ := fakeReplicate(t)
	dir := setupEnv(t, ts.URL)

	out, err := run(t, "generate", "--api-token", testToken, "a cute cat playing with yarn")
	require.NoError(t, err)
	assert.Equal(t, "ai_sticker.png", strings.TrimSpace(out))

	data, err := os.ReadFile(filepath.Join(dir, "ai_sticker.png"))
	require.NoError(t, err)
	assert.Equal(t, sticker, data)
}

func TestGenerateUsesTokenFromEnvironment(t *testing.T) {
	ts, _ := fakeReplicate(t)
	dir := setupEnv(t, ts.URL)
	t.Setenv(TokenEnv, testToken)

	_, err := run(t, "generate", "-p", "a happy robot", "--size", "large", "--steps", "40", "-o", "out/robot.png")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "out", "robot.png"))
	require.NoError(t, err)
	assert.Equal(t, sticker, data)
}

func TestGenerateWithoutTokenMakesNoCall(t *testing.T) {
	ts, calls := fakeReplicate(t)
	dir := setupEnv(t, ts.URL)

	_, err := run(t, "generate", "owl")
	assert.ErrorIs(t, err, domain.ErrAuth)
	assert.Zero(t, calls.Load())
	assert.NoFileExists(t, filepath.Join(dir, "ai_sticker.png"))
}

func TestGenerateRejectedToken(t *testing.T) {
	ts, _ := fakeReplicate(t)
	setupEnv(t, ts.URL)

	_, err := run(t, "generate", "--api-token", "r8_revoked", "owl")
	assert.ErrorIs(t, err, domain.ErrAuth)
}

func TestGenerateInvalidInput(t *testing.T) {
	ts, calls := fakeReplicate(t)
	setupEnv(t, ts.URL)

	tests := []struct {
		name string
		args []string
	}{
		{name: "empty prompt", args: []string{"generate", "--api-token", testToken, "   "}},
		{name: "steps too high", args: []string{"generate", "--api-token", testToken, "--steps", "51", "owl"}},
		{name: "unsupported size", args: []string{"generate", "--api-token", testToken, "--size", "1000", "owl"}},
		{name: "prompt too long", args: []string{"generate", "--api-token", testToken, strings.Repeat("a", 1001)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.args...)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
	assert.Zero(t, calls.Load())
}

func TestQueueCommandsRequireDatabase(t *testing.T) {
	setupEnv(t, "http://127.0.0.1:1")

	_, err := run(t, "enqueue", "owl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_HOST is required")

	_, err = run(t, "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_HOST is required")
}

func TestWorkerRequiresToken(t *testing.T) {
	setupEnv(t, "http://127.0.0.1:1")

	_, err := run(t, "worker", "--once")
	assert.ErrorIs(t, err, domain.ErrAuth)
}

func TestStatusRejectsInvalidID(t *testing.T) {
	setupEnv(t, "http://127.0.0.1:1")

	_, err := run(t, "status", "abc")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestInvalidConfigFailsEarly(t *testing.T) {
	setupEnv(t, "http://127.0.0.1:1")
	t.Setenv("DEFAULT_STEPS", "99")

	_, err := run(t, "generate", "--api-token", testToken, "owl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DEFAULT_STEPS")
}
