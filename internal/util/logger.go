package util

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func WrapErrorForLog(packageName string, funcName string, err error) error {
	return fmt.Errorf("%s.%s: %w", packageName, funcName, err)
}

func WrapLogMessage(packageName, funcName, message string) string {
	return fmt.Sprintf("%s.%s: %s", packageName, funcName, message)
}

func FuncName() string {
	pc, _, _, _ := runtime.Caller(1)
	fullFuncName := runtime.FuncForPC(pc).Name()
	funcName := filepath.Ext(fullFuncName)
	return funcName[1:]
}

// SetupLogger configures the global zerolog logger. An empty or unknown
// level falls back to info.
func SetupLogger(level string, console bool) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
