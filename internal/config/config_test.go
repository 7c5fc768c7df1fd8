package config_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/phxrealty/ingest/internal/config"
)

// withWorkdir temporarily chdirs into dir for the duration of the test.
func withWorkdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(prev) })
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PHOENIX_REI_MONGO_URI", "MONGO_URI",
		"PHOENIX_REI_DATABASE_NAME", "DATABASE_NAME",
		"PHOENIX_REI_ASSESSOR_API_KEY", "ASSESSOR_API_KEY",
		"PHOENIX_REI_ASSESSOR_BASE_URL", "ASSESSOR_BASE_URL",
		"PHOENIX_REI_OLLAMA_SERVER_URL", "OLLAMA_SERVER_URL",
		"PHOENIX_REI_OLLAMA_MODEL", "OLLAMA_MODEL",
		"PHOENIX_REI_ZIPCODES", "ZIPCODES",
		"PHOENIX_REI_TIMEOUT", "TIMEOUT",
		"PHOENIX_REI_DB_PATH", "DB_PATH",
		"PHOENIX_REI_SERVICE_PORT", "SERVICE_PORT",
		"PHOENIX_REI_DEBUG", "DEBUG",
	} {
		os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	withWorkdir(t, t.TempDir())

	cfg, err := config.Load(config.Flags{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MongoURI != config.DefaultMongoURI {
		t.Errorf("MongoURI = %q, want default", cfg.MongoURI)
	}
	if cfg.DatabaseName != config.DefaultDatabaseName {
		t.Errorf("DatabaseName = %q, want default", cfg.DatabaseName)
	}
	if cfg.AssessorBaseURL != config.DefaultAssessorURL {
		t.Errorf("AssessorBaseURL = %q, want default", cfg.AssessorBaseURL)
	}
	if cfg.Timeout != config.DefaultTimeout {
		t.Errorf("Timeout = %v, want default", cfg.Timeout)
	}
	if cfg.ConfigPath != "" {
		t.Errorf("ConfigPath = %q, want empty when no file present", cfg.ConfigPath)
	}
}

func TestLoadFromFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	withWorkdir(t, dir)

	f := config.File{
		MongoURI:       "mongodb://db.internal:27017",
		AssessorAPIKey: "file-key",
		Zipcodes:       []string{"85048", "85201"},
		Rate:           2.5,
	}
	writeConfigJSON(t, dir, f)

	cfg, err := config.Load(config.Flags{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MongoURI != f.MongoURI {
		t.Errorf("MongoURI = %q, want %q", cfg.MongoURI, f.MongoURI)
	}
	if cfg.AssessorAPIKey != "file-key" {
		t.Errorf("AssessorAPIKey = %q, want file-key", cfg.AssessorAPIKey)
	}
	if len(cfg.Zipcodes) != 2 || cfg.Zipcodes[0] != "85048" {
		t.Errorf("Zipcodes = %v, want [85048 85201]", cfg.Zipcodes)
	}
	if cfg.Rate != 2.5 {
		t.Errorf("Rate = %v, want 2.5", cfg.Rate)
	}
}

func TestLoadConfigPathRecorded(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	withWorkdir(t, dir)
	writeConfigJSON(t, dir, config.File{AssessorAPIKey: "k"})

	cfg, err := config.Load(config.Flags{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want, _ := filepath.Abs(filepath.Join(dir, config.DefaultConfigFile))
	if cfg.ConfigPath != want {
		t.Errorf("ConfigPath = %q, want %q", cfg.ConfigPath, want)
	}
}

func TestLoadNoConfigFile(t *testing.T) {
	clearEnv(t)
	withWorkdir(t, t.TempDir())

	cfg, err := config.Load(config.Flags{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ConfigPath != "" {
		t.Errorf("ConfigPath = %q, want empty", cfg.ConfigPath)
	}
}

func TestLoadInvalidTimeoutIgnored(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	withWorkdir(t, dir)
	writeConfigJSON(t, dir, config.File{Timeout: "not-a-duration"})

	cfg, err := config.Load(config.Flags{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Timeout != config.DefaultTimeout {
		t.Errorf("Timeout = %v, want default when file value is invalid", cfg.Timeout)
	}
}

func TestLoadEnvAPIKeyOverridesFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	withWorkdir(t, dir)
	writeConfigJSON(t, dir, config.File{AssessorAPIKey: "file-key"})
	os.Setenv("PHOENIX_REI_ASSESSOR_API_KEY", "env-key")
	t.Cleanup(func() { os.Unsetenv("PHOENIX_REI_ASSESSOR_API_KEY") })

	cfg, err := config.Load(config.Flags{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AssessorAPIKey != "env-key" {
		t.Errorf("AssessorAPIKey = %q, want env-key", cfg.AssessorAPIKey)
	}
}

func TestLoadEnvDBPath(t *testing.T) {
	clearEnv(t)
	withWorkdir(t, t.TempDir())
	os.Setenv("PHOENIX_REI_DB_PATH", "/tmp/custom-state.db")
	t.Cleanup(func() { os.Unsetenv("PHOENIX_REI_DB_PATH") })

	cfg, err := config.Load(config.Flags{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "/tmp/custom-state.db" {
		t.Errorf("DBPath = %q, want /tmp/custom-state.db", cfg.DBPath)
	}
}

func TestLoadFlagAPIKeyOverridesEnvAndFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	withWorkdir(t, dir)
	writeConfigJSON(t, dir, config.File{AssessorAPIKey: "file-key"})
	os.Setenv("PHOENIX_REI_ASSESSOR_API_KEY", "env-key")
	t.Cleanup(func() { os.Unsetenv("PHOENIX_REI_ASSESSOR_API_KEY") })

	cfg, err := config.Load(config.Flags{AssessorAPIKey: "flag-key"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AssessorAPIKey != "flag-key" {
		t.Errorf("AssessorAPIKey = %q, want flag-key", cfg.AssessorAPIKey)
	}
}

func TestLoadFlagEmptyDoesNotOverride(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	withWorkdir(t, dir)
	writeConfigJSON(t, dir, config.File{AssessorAPIKey: "file-key"})

	cfg, err := config.Load(config.Flags{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AssessorAPIKey != "file-key" {
		t.Errorf("AssessorAPIKey = %q, want file-key unchanged", cfg.AssessorAPIKey)
	}
}

func TestValidateWithAPIKey(t *testing.T) {
	cfg := &config.Config{AssessorAPIKey: "k", MongoURI: "mongodb://x", Zipcodes: []string{"85048"}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateWithoutAPIKey(t *testing.T) {
	cfg := &config.Config{MongoURI: "mongodb://x", Zipcodes: []string{"85048"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate: want error when assessor_api_key missing")
	}
}

func TestValidateErrorMentionsAPIKey(t *testing.T) {
	cfg := &config.Config{}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate: want error")
	}
	if !contains(err.Error(), "assessor_api_key") {
		t.Errorf("error %q does not mention assessor_api_key", err.Error())
	}
}

func TestRedactedAPIKeyNormal(t *testing.T) {
	cfg := &config.Config{AssessorAPIKey: "sk-1234567890abcdef"}
	redacted := cfg.RedactedAPIKey()
	if redacted == cfg.AssessorAPIKey {
		t.Fatal("RedactedAPIKey returned plaintext")
	}
	if !contains(redacted, "****") {
		t.Errorf("redacted key %q missing mask", redacted)
	}
}

func TestRedactedAPIKeyShort(t *testing.T) {
	cfg := &config.Config{AssessorAPIKey: "ab"}
	if cfg.RedactedAPIKey() != "****" {
		t.Errorf("RedactedAPIKey = %q, want ****", cfg.RedactedAPIKey())
	}
}

func TestRedactedAPIKeyNotPlaintext(t *testing.T) {
	cfg := &config.Config{AssessorAPIKey: "supersecretkey123"}
	redacted := cfg.RedactedAPIKey()
	if contains(redacted, "supersecretkey123") {
		t.Fatal("redacted key contains full plaintext")
	}
}

func TestWriteFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	want := config.Template()
	want.AssessorAPIKey = "k"

	if err := config.WriteFile(path, want); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var got config.File
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.AssessorAPIKey != want.AssessorAPIKey {
		t.Errorf("AssessorAPIKey = %q, want %q", got.AssessorAPIKey, want.AssessorAPIKey)
	}
	if got.DatabaseName != want.DatabaseName {
		t.Errorf("DatabaseName = %q, want %q", got.DatabaseName, want.DatabaseName)
	}
}

func TestWriteFilePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := config.WriteFile(path, config.Template()); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("permissions = %o, want 0600", perm)
	}
}

func TestWriteFileIsValidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := config.WriteFile(path, config.Template()); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		t.Fatalf("not valid JSON: %v", err)
	}
}

func TestTemplateDefaults(t *testing.T) {
	tpl := config.Template()
	if tpl.DatabaseName != config.DefaultDatabaseName {
		t.Errorf("DatabaseName = %q, want default", tpl.DatabaseName)
	}
	if tpl.Workers != config.DefaultWorkers {
		t.Errorf("Workers = %d, want default", tpl.Workers)
	}
	if _, err := time.ParseDuration(tpl.Timeout); err != nil {
		t.Errorf("Timeout %q is not a valid duration: %v", tpl.Timeout, err)
	}
}

func TestTemplateBaseURL(t *testing.T) {
	tpl := config.Template()
	if tpl.AssessorBaseURL != config.DefaultAssessorURL {
		t.Errorf("AssessorBaseURL = %q, want default", tpl.AssessorBaseURL)
	}
	if tpl.OllamaServerURL != config.DefaultOllamaURL {
		t.Errorf("OllamaServerURL = %q, want default", tpl.OllamaServerURL)
	}
}

func writeConfigJSON(t *testing.T, dir string, f config.File) {
	t.Helper()
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal config.File: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, config.DefaultConfigFile), data, 0600); err != nil {
		t.Fatalf("write config.json: %v", err)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
