package objectstore

import "testing"

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Endpoint:      "localhost:9000",
		AccessKey:     "a",
		SecretKey:     "b",
		Region:        "us-east-1",
		BucketReports: "pipeline-runs",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	invalid := valid
	invalid.Endpoint = "http://localhost:9000"
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for scheme in endpoint")
	}

	invalid = valid
	invalid.BucketReports = " "
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for blank bucket")
	}
}

func TestConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("DQFLOW_MINIO_ENDPOINT", "minio:9000")
	t.Setenv("DQFLOW_MINIO_USE_SSL", "true")
	t.Setenv("DQFLOW_MINIO_BUCKET_REPORTS", "dq-reports")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Endpoint != "minio:9000" || !cfg.UseSSL || cfg.BucketReports != "dq-reports" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}
