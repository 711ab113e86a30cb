package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Settings is the process-wide static configuration, read once at startup
// and passed explicitly to the components that need it. Changing any of it
// requires a restart.
type Settings struct {
	LogLevel string
	Env      string
	Port     string
	RootPath string

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string

	SecretKey        string
	SecretRefreshKey string
	AccessTokenTTL   time.Duration
	RefreshTokenTTL  time.Duration

	// Inference runtime.
	Device           string // "cpu" or "cuda"
	AcceleratorCount int    // number of cuda devices when Device == "cuda"
	ComputeType      string // "float32", "float16", "int8"
	DownloadRoot     string
	BatchSize        int
	ChunkSize        int

	// Job core.
	WorkerPoolSize  int
	QueueCapacity   int
	QueuePolicy     string // "fifo" or "shortest-first"
	MaxAttempts     int
	RetryBackoff    time.Duration
	AcquireTimeout  time.Duration
	ModelCacheSize  int
	PersistAttempts int
	PersistBackoff  time.Duration
	RetainResults   int

	// Inference engine selection.
	Engine          string // "whisper-cli" or "google"
	WhisperBin      string
	GoogleCredsFile string

	RedisAddr      string
	ResultCacheTTL time.Duration

	UploadRoot string
	GCSBucket  string // when set, uploaded audio is archived in GCS as well

	AdminUsernameDefault string
	AdminPasswordDefault string
}

// Load reads Settings from the environment. Call godotenv.Load beforehand
// if a .env file should be honored.
func Load() (Settings, error) {
	s := Settings{
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Env:      getEnv("ENV", "prod"),
		Port:     getEnv("PORT", "8080"),
		RootPath: getEnv("ROOT_PATH", "/speech-transcription/api/v1"),

		DBHost:     os.Getenv("DB_HOST"),
		DBName:     os.Getenv("DB_NAME"),
		DBUser:     os.Getenv("DB_USER"),
		DBPassword: os.Getenv("DB_PASSWORD"),

		SecretKey:        os.Getenv("SECRET_KEY"),
		SecretRefreshKey: os.Getenv("SECRET_REFRESH_KEY"),

		Device:       getEnv("DEVICE", "cpu"),
		ComputeType:  getEnv("COMPUTE_TYPE", "float32"),
		DownloadRoot: getEnv("DOWNLOAD_ROOT", "models"),

		QueuePolicy: getEnv("QUEUE_POLICY", "fifo"),

		Engine:          getEnv("ENGINE", "whisper-cli"),
		WhisperBin:      getEnv("WHISPER_BIN", "whisper-cli"),
		GoogleCredsFile: os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),

		RedisAddr:  os.Getenv("REDIS_ADDR"),
		UploadRoot: getEnv("UPLOAD_ROOT", "uploads"),
		GCSBucket:  os.Getenv("GCS_BUCKET"),

		AdminUsernameDefault: getEnv("ADMIN_USERNAME_DEFAULT", "admin"),
		AdminPasswordDefault: getEnv("ADMIN_PASSWORD_DEFAULT", "password"),
	}

	var err error
	if s.DBPort, err = getEnvInt("DB_PORT", 5432); err != nil {
		return s, err
	}
	if s.AcceleratorCount, err = getEnvInt("ACCELERATOR_COUNT", 1); err != nil {
		return s, err
	}
	if s.BatchSize, err = getEnvInt("BATCH_SIZE", 4); err != nil {
		return s, err
	}
	if s.ChunkSize, err = getEnvInt("CHUNK_SIZE", 10); err != nil {
		return s, err
	}
	if s.WorkerPoolSize, err = getEnvInt("WORKER_POOL_SIZE", 2); err != nil {
		return s, err
	}
	if s.QueueCapacity, err = getEnvInt("QUEUE_CAPACITY", 32); err != nil {
		return s, err
	}
	if s.MaxAttempts, err = getEnvInt("MAX_ATTEMPTS", 3); err != nil {
		return s, err
	}
	if s.ModelCacheSize, err = getEnvInt("MODEL_CACHE_SIZE", 4); err != nil {
		return s, err
	}
	if s.PersistAttempts, err = getEnvInt("PERSIST_ATTEMPTS", 3); err != nil {
		return s, err
	}
	if s.RetryBackoff, err = getEnvDuration("RETRY_BACKOFF", 500*time.Millisecond); err != nil {
		return s, err
	}
	if s.AcquireTimeout, err = getEnvDuration("ACQUIRE_TIMEOUT", 30*time.Second); err != nil {
		return s, err
	}
	if s.PersistBackoff, err = getEnvDuration("PERSIST_BACKOFF", 250*time.Millisecond); err != nil {
		return s, err
	}
	if s.RetainResults, err = getEnvInt("RETAIN_RESULTS", 1024); err != nil {
		return s, err
	}
	if s.ResultCacheTTL, err = getEnvDuration("RESULT_CACHE_TTL", time.Hour); err != nil {
		return s, err
	}

	accessMinutes, err := getEnvInt("ACCESS_TOKEN_EXPIRE_MINUTES", 15)
	if err != nil {
		return s, err
	}
	refreshDays, err := getEnvInt("REFRESH_TOKEN_EXPIRE_DAYS", 7)
	if err != nil {
		return s, err
	}
	s.AccessTokenTTL = time.Duration(accessMinutes) * time.Minute
	s.RefreshTokenTTL = time.Duration(refreshDays) * 24 * time.Hour

	for name, v := range map[string]string{
		"DB_HOST":            s.DBHost,
		"DB_NAME":            s.DBName,
		"DB_USER":            s.DBUser,
		"DB_PASSWORD":        s.DBPassword,
		"SECRET_KEY":         s.SecretKey,
		"SECRET_REFRESH_KEY": s.SecretRefreshKey,
	} {
		if v == "" {
			return s, fmt.Errorf("%s environment variable is not set", name)
		}
	}

	if s.Device != "cpu" && s.Device != "cuda" {
		return s, fmt.Errorf("DEVICE must be cpu or cuda, got %q", s.Device)
	}

	return s, nil
}

// SlotCount is the number of device slots (and therefore workers): one per
// accelerator, or the configured pool size on CPU.
func (s Settings) SlotCount() int {
	if s.Device == "cuda" {
		return s.AcceleratorCount
	}
	return s.WorkerPoolSize
}

func (s Settings) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		s.DBHost, s.DBPort, s.DBUser, s.DBPassword, s.DBName,
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	return d, nil
}
