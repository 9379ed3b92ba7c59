package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	kms "cloud.google.com/go/kms/apiv1"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"

	"github.com/yukia3e/userop-relayer/internal/config"
	"github.com/yukia3e/userop-relayer/internal/infrastructure/chain"
	"github.com/yukia3e/userop-relayer/internal/infrastructure/entrypoint"
	appHttp "github.com/yukia3e/userop-relayer/internal/infrastructure/http"
	"github.com/yukia3e/userop-relayer/internal/infrastructure/metrics"
	"github.com/yukia3e/userop-relayer/internal/infrastructure/wallet"
	"github.com/yukia3e/userop-relayer/internal/usecase/relay"
	"github.com/yukia3e/userop-relayer/internal/util"
)

const (
	packageName = "main"

	shutdownTimeout = 30 * time.Second
)

func main() {
	printAddress := flag.Bool("print-address", false, "print the bundler address and exit")
	flag.Parse()

	util.SetupLogger(config.GetLogLevel(), config.IsLocal())
	if !config.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(*printAddress); err != nil {
		log.Error().Err(err).Msg(util.WrapLogMessage(packageName, "main", "relayer stopped"))
		os.Exit(1)
	}
}

func run(printAddress bool) error {
	funcName := util.FuncName()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ethClient, err := ethclient.DialContext(ctx, config.MustGetRPCEndpoint())
	if err != nil {
		return util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to dial eth client: %w", err))
	}
	defer ethClient.Close()

	key, closeKey, err := newKey(ctx)
	if err != nil {
		return err
	}
	defer closeKey()

	if printAddress {
		fmt.Println(key.Address().Hex())
		return nil
	}

	recorder := metrics.New()
	chainRepo := chain.New(ethClient, config.GetReceiptPollInterval())

	var chainID *big.Int
	if id := config.GetChainID(); id != 0 {
		chainID = big.NewInt(id)
	}
	signer, err := wallet.New(ctx, key, chainRepo, wallet.Options{
		ChainID:  chainID,
		GasLimit: config.GetGasLimit(),
		Observer: recorder,
	})
	if err != nil {
		return util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to create signer: %w", err))
	}

	binding, err := entrypoint.New()
	if err != nil {
		return util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to load entry point binding: %w", err))
	}

	handler := relay.New(signer, chainRepo, binding, relay.Options{
		ConfirmationTimeout: config.GetConfirmationTimeout(),
		SubmitTimeout:       config.GetSubmitTimeout(),
		Metrics:             recorder,
	})

	rps, burst := config.GetRateLimit()
	server := appHttp.NewServer(":"+strconv.Itoa(config.GetPort()), handler, appHttp.Options{
		MaxBodyBytes:   config.GetMaxBodyBytes(),
		RateLimitRPS:   rps,
		RateLimitBurst: burst,
		Metrics:        recorder,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg(util.WrapLogMessage(packageName, funcName, "shutting down"))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// newKey opens the configured key source. The returned close func is never nil.
func newKey(ctx context.Context) (wallet.Key, func(), error) {
	funcName := util.FuncName()

	if config.MustGetKeySource() == config.KeySourceLocal {
		key, err := wallet.NewLocalKey(config.MustGetBundlerPrivateKey())
		if err != nil {
			return nil, func() {}, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to load bundler key: %w", err))
		}
		return key, func() {}, nil
	}

	var opts []option.ClientOption
	if path := config.GetCredentialFilePath(); path != "" {
		opts = append(opts, option.WithCredentialsFile(path))
	}
	kmsClient, err := kms.NewKeyManagementClient(ctx, opts...)
	if err != nil {
		return nil, func() {}, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to create kms client: %w", err))
	}
	closeClient := func() {
		if err := kmsClient.Close(); err != nil {
			log.Warn().Err(err).Msg(util.WrapLogMessage(packageName, funcName, "failed to close kms client"))
		}
	}

	key, err := wallet.NewKMSKey(ctx, kmsClient, config.GetKMSKeyName())
	if err != nil {
		closeClient()
		return nil, func() {}, util.WrapErrorForLog(packageName, funcName, fmt.Errorf("failed to load kms key: %w", err))
	}
	return key, closeClient, nil
}
