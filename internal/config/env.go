package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultPort                = 3000
	DefaultGasLimit            = 0 // 0 means estimate per transaction
	DefaultConfirmationTimeout = 2 * time.Minute
	DefaultSubmitTimeout       = 30 * time.Second
	DefaultReceiptPollInterval = time.Second
	DefaultMaxBodyBytes        = 1 << 20
)

func GetEnvironment() string {
	return os.Getenv("APP_ENV")
}

func IsLocal() bool {
	return GetEnvironment() == "local"
}

func IsDevelopment() bool {
	return GetEnvironment() == "local" || GetEnvironment() == "development"
}

func GetLogLevel() string {
	return os.Getenv("LOG_LEVEL")
}

// MustGetRPCEndpoint accepts RPC_URL as an alias of RPC_ENDPOINT.
func MustGetRPCEndpoint() string {
	rpcEndpoint := os.Getenv("RPC_ENDPOINT")
	if rpcEndpoint == "" {
		rpcEndpoint = os.Getenv("RPC_URL")
	}
	if rpcEndpoint == "" {
		panic("RPC_ENDPOINT is not set")
	}

	return rpcEndpoint
}

// KeySource tells which custody backend holds the bundler key.
type KeySource int

const (
	KeySourceLocal KeySource = iota + 1
	KeySourceKMS
)

// MustGetKeySource returns KeySourceKMS when KMS_KEY_NAME is set, otherwise
// KeySourceLocal. It panics when neither key setting is present.
func MustGetKeySource() KeySource {
	if GetKMSKeyName() != "" {
		return KeySourceKMS
	}
	if os.Getenv("BUNDLER_PRIVATE_KEY") != "" {
		return KeySourceLocal
	}
	panic("BUNDLER_PRIVATE_KEY or KMS_KEY_NAME is not set")
}

func MustGetBundlerPrivateKey() string {
	key := strings.TrimPrefix(os.Getenv("BUNDLER_PRIVATE_KEY"), "0x")
	if key == "" {
		panic("BUNDLER_PRIVATE_KEY is not set")
	}

	return key
}

// GetKMSKeyName returns the full crypto key version resource name,
// projects/*/locations/*/keyRings/*/cryptoKeys/*/cryptoKeyVersions/*.
func GetKMSKeyName() string {
	return os.Getenv("KMS_KEY_NAME")
}

func GetCredentialFilePath() string {
	return os.Getenv("GOOGLE_CREDENTIAL_FILE_PATH")
}

func GetPort() int {
	return getInt("PORT", DefaultPort)
}

// GetChainID returns the CHAIN_ID override, or 0 to ask the node.
func GetChainID() int64 {
	return int64(getInt("CHAIN_ID", 0))
}

func GetGasLimit() uint64 {
	gasLimitStr := os.Getenv("GAS_LIMIT")
	if gasLimitStr == "" {
		return DefaultGasLimit
	}
	gasLimit, err := strconv.ParseUint(gasLimitStr, 10, 64)
	if err != nil {
		log.Error().Msg(fmt.Sprintf("config.GetGasLimit: failed to parse gas limit: %v", err.Error()))
		return DefaultGasLimit
	}
	return gasLimit
}

func GetConfirmationTimeout() time.Duration {
	return getDuration("CONFIRMATION_TIMEOUT", DefaultConfirmationTimeout)
}

// GetSubmitTimeout bounds signing, broadcast and nonce reconciliation for
// one relay, independent of the client connection.
func GetSubmitTimeout() time.Duration {
	return getDuration("SUBMIT_TIMEOUT", DefaultSubmitTimeout)
}

func GetReceiptPollInterval() time.Duration {
	return getDuration("RECEIPT_POLL_INTERVAL", DefaultReceiptPollInterval)
}

// GetRateLimit returns requests per second and burst per client IP.
// A zero rps disables limiting.
func GetRateLimit() (float64, int) {
	rps := 0.0
	if s := os.Getenv("RATE_LIMIT_RPS"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			log.Error().Msg(fmt.Sprintf("config.GetRateLimit: failed to parse rps: %v", err.Error()))
		} else {
			rps = v
		}
	}
	burst := getInt("RATE_LIMIT_BURST", 0)
	if rps > 0 && burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return rps, burst
}

func GetMaxBodyBytes() int64 {
	return int64(getInt("MAX_BODY_BYTES", DefaultMaxBodyBytes))
}

func getInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		log.Error().Msg(fmt.Sprintf("config.getInt: failed to parse %s=%q", key, s))
		return def
	}
	return v
}

func getDuration(key string, def time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := time.ParseDuration(s)
	if err != nil || v <= 0 {
		log.Error().Msg(fmt.Sprintf("config.getDuration: failed to parse %s=%q", key, s))
		return def
	}
	return v
}
