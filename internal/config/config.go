package config

import (
	"fmt"
	"os"
	"strconv"
)

// Configはアプリ全体の設定
type Config struct {
	Port string // サーバーポート（8080）

	DatabaseURL      string // 指定があればDSNを組み立てずこれを使う
	PostgresUser     string // DBユーザー
	PostgresPassword string // DBパスワード
	PostgresDB       string // DB名
	PostgresHost     string // DBホスト
	PostgresPort     int    // DBポート
	PostgresSSLMode  string // sslmode

	JWTSecret string // JWT署名シークレット

	// Daraja（M-Pesa）
	MpesaShortCode      string // BusinessShortCode
	MpesaPasskey        string // STK pushのパスワード生成に使う
	MpesaConsumerKey    string // OAuth client credentials
	MpesaConsumerSecret string
	MpesaCallbackURL    string // コールバック受け口の公開URL
	MpesaEnv            string // sandbox / production

	GoEnv string // dev/prod
}

// Loadは環境変数から読み込む
func Load() (Config, error) {
	cfg := Config{
		Port: getenv("PORT", "8080"),

		DatabaseURL:      os.Getenv("DATABASE_URL"),
		PostgresUser:     os.Getenv("POSTGRES_USER"),
		PostgresPassword: os.Getenv("POSTGRES_PASSWORD"),
		PostgresDB:       os.Getenv("POSTGRES_DB"),
		PostgresHost:     getenv("POSTGRES_HOST", "localhost"),
		PostgresSSLMode:  getenv("POSTGRES_SSLMODE", "disable"),

		JWTSecret: os.Getenv("JWT_SECRET"),

		MpesaShortCode:      getenv("MPESA_SHORTCODE", "174379"),
		MpesaPasskey:        os.Getenv("MPESA_PASSKEY"),
		MpesaConsumerKey:    os.Getenv("MPESA_CONSUMER_KEY"),
		MpesaConsumerSecret: os.Getenv("MPESA_CONSUMER_SECRET"),
		MpesaCallbackURL:    os.Getenv("MPESA_CALLBACK_URL"),
		MpesaEnv:            getenv("MPESA_ENV", "sandbox"),

		GoEnv: getenv("GO_ENV", "dev"),
	}

	if v := os.Getenv("POSTGRES_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("POSTGRES_PORT must be number: %w", err)
		}
		cfg.PostgresPort = p
	} else {
		cfg.PostgresPort = 5432
	}

	//必須チェック（DATABASE_URLがあればDB個別指定は不要）
	if cfg.DatabaseURL == "" {
		if cfg.PostgresUser == "" {
			return Config{}, fmt.Errorf("POSTGRES_USER is required")
		}
		if cfg.PostgresPassword == "" {
			return Config{}, fmt.Errorf("POSTGRES_PASSWORD is required")
		}
		if cfg.PostgresDB == "" {
			return Config{}, fmt.Errorf("POSTGRES_DB is required")
		}
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET is required")
	}

	return cfg, nil
}

// DarajaのAPIベースURL
func (c Config) MpesaBaseURL() string {
	if c.MpesaEnv == "production" {
		return "https://api.safaricom.co.ke"
	}
	return "https://sandbox.safaricom.co.ke"
}

func getenv(key string, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}
