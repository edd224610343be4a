package pipeline

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/animus-labs/dqflow/internal/platform/env"
	"github.com/animus-labs/dqflow/internal/procexec"
)

// ToolConfig locates the transformation runner and the quality scanner.
type ToolConfig struct {
	DbtBin         string
	DbtProjectDir  string
	DbtProfilesDir string
	SodaBin        string
	SodaConfig     string
	SodaChecksDir  string
}

func ToolConfigFromEnv() (ToolConfig, error) {
	cfg := ToolConfig{
		DbtBin:         env.String("DBT_BIN", "dbt"),
		DbtProjectDir:  env.String("DBT_PROJECT_DIR", "/opt/airflow/include/dbt"),
		DbtProfilesDir: env.String("DBT_PROFILES_DIR", "/opt/airflow/include/dbt"),
		SodaBin:        env.String("SODA_BIN", "soda"),
		SodaConfig:     env.String("SODA_CONFIG", "/opt/airflow/include/soda/soda_config.yml"),
		SodaChecksDir:  env.String("SODA_CHECKS_DIR", "/opt/airflow/include/soda"),
	}
	if err := cfg.Validate(); err != nil {
		return ToolConfig{}, err
	}
	return cfg, nil
}

func (c ToolConfig) Validate() error {
	if strings.TrimSpace(c.DbtBin) == "" {
		return errors.New("DBT_BIN is required")
	}
	if strings.TrimSpace(c.DbtProjectDir) == "" {
		return errors.New("DBT_PROJECT_DIR is required")
	}
	if strings.TrimSpace(c.DbtProfilesDir) == "" {
		return errors.New("DBT_PROFILES_DIR is required")
	}
	if strings.TrimSpace(c.SodaBin) == "" {
		return errors.New("SODA_BIN is required")
	}
	if strings.TrimSpace(c.SodaConfig) == "" {
		return errors.New("SODA_CONFIG is required")
	}
	return nil
}

// dbtRequest builds "dbt <verb> --project-dir P --profiles-dir P --select S".
func (c ToolConfig) dbtRequest(verb, selector string) procexec.Request {
	return procexec.Request{
		Command: c.DbtBin,
		Args: []string{
			verb,
			"--project-dir", c.DbtProjectDir,
			"--profiles-dir", c.DbtProfilesDir,
			"--select", selector,
		},
		Dir: c.DbtProjectDir,
		Env: map[string]string{"DBT_PROFILES_DIR": c.DbtProfilesDir},
	}
}

// scanRequest builds "soda scan -d <datasource> -c <config> <checks>".
func (c ToolConfig) scanRequest(scan ScanConfig, allowNonZero bool) procexec.Request {
	checks := scan.Checks
	if !filepath.IsAbs(checks) && c.SodaChecksDir != "" {
		checks = filepath.Join(c.SodaChecksDir, checks)
	}
	return procexec.Request{
		Command:      c.SodaBin,
		Args:         []string{"scan", "-d", scan.Datasource, "-c", c.SodaConfig, checks},
		AllowNonZero: allowNonZero,
	}
}
