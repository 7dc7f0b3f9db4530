package config

import "github.com/spf13/viper"

// setDefaults registers a default for every configuration key. Every key
// must have a default so viper.Unmarshal sees environment overrides
// (viper only consults AutomaticEnv for keys it already knows about).
func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "local")

	v.SetDefault("db_host", "localhost")
	v.SetDefault("db_port", 5432)
	v.SetDefault("db_name", "transformat")
	v.SetDefault("db_user", "transformat")
	v.SetDefault("db_password", "")
	v.SetDefault("db_pool_min", 5)
	v.SetDefault("db_pool_max", 15)

	v.SetDefault("sftp_host", "localhost")
	v.SetDefault("sftp_port", 22)
	v.SetDefault("sftp_user", "transformat")
	v.SetDefault("sftp_password", "")

	v.SetDefault("input_dir", "/upload/input")
	v.SetDefault("output_dir", "/upload/output")
	v.SetDefault("masked_dir", "/data/masked")

	v.SetDefault("downstream_api_base_url", "http://localhost:8080")
	v.SetDefault("downstream_api_timeout", 300)

	v.SetDefault("log_level", "INFO")
	v.SetDefault("log_format", "json")
	v.SetDefault("log_output", "stdout")

	v.SetDefault("metrics_enabled", false)
	v.SetDefault("metrics_port", 9090)

	v.SetDefault("stream_batch_size", 30000)
	v.SetDefault("batch_size", 10)
	v.SetDefault("stale_task_hours", 2)
}
