/*
Package config loads the attachment store configuration.

Values are layered: compiled-in defaults, then a YAML file, then environment
variables prefixed with ATTACHSTORE_.

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("/etc/attachstore/config.yaml"); err != nil {
		return err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

Sizes are written as human-readable strings ("10MB", "1GB") and converted by
CacheSettings, TransferSettings and UploadSettings.

Recognised environment variables:

	ATTACHSTORE_LOG_LEVEL, ATTACHSTORE_LOG_FORMAT, ATTACHSTORE_LOG_FILE
	ATTACHSTORE_REMOTE_DRIVER              ftp or s3
	ATTACHSTORE_FTP_HOST, _FTP_PORT, _FTP_USER, _FTP_PASSWORD, _FTP_SECURE
	ATTACHSTORE_S3_BUCKET, _S3_REGION, _S3_ENDPOINT
	ATTACHSTORE_UPLOAD_DIR                 directory new uploads go to
	ATTACHSTORE_LEGACY_DIRS                comma-separated, most recent first
	ATTACHSTORE_POOL_MAX_SESSIONS, _POOL_ACQUIRE_TIMEOUT
	ATTACHSTORE_ALWAYS_COMPRESS_IMAGES, _COMPRESSION_TIMEOUT
	ATTACHSTORE_CACHE_ENABLED, _CACHE_DIR, _CACHE_MAX_SIZE, _CACHE_TTL
	ATTACHSTORE_LOCAL_FALLBACK_DIR, _MAX_FILES, _MAX_FILE_SIZE
	ATTACHSTORE_HTTP_ADDR, _DATABASE_DSN, _METRICS_ENABLED
*/
package config
