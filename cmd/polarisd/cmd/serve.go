package cmd

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"github.com/valkey-io/valkey-go"

	"github.com/polaris-id/polaris/account"
	"github.com/polaris-id/polaris/client"
	"github.com/polaris-id/polaris/device"
	"github.com/polaris-id/polaris/dpop"
	"github.com/polaris-id/polaris/keys"
	"github.com/polaris-id/polaris/nonce"
	"github.com/polaris-id/polaris/provider"
	"github.com/polaris-id/polaris/replay"
	"github.com/polaris-id/polaris/request"
	"github.com/polaris-id/polaris/token"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the authorization server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "polaris.yaml", "path to the config file")
	rootCmd.AddCommand(serveCmd)
}

func serve(cfg *Config) error {
	sigPrk, err := keys.LoadJwkFromPem(cfg.SignPrivateKeyPath)
	if err != nil {
		slog.Warn("failed to load signing key, will create random", "path", cfg.SignPrivateKeyPath)
		sigPrk, err = keys.GenerateJwk()
		if err != nil {
			return fmt.Errorf("generate signing key: %w", err)
		}
	}
	signer, err := keys.NewSigner(cfg.Issuer, sigPrk)
	if err != nil {
		return fmt.Errorf("create signer: %w", err)
	}

	// stores: valkey when configured, in-process otherwise
	var (
		replayStore  replay.Store   = replay.NewMemoryStore()
		requestStore request.Store  = request.NewMemoryStore()
		tokenStore   token.Store    = token.NewMemoryStore()
		nonceService nonce.Service
	)
	if cfg.Valkey != nil {
		option := valkey.ClientOption{
			InitAddress: []string{fmt.Sprintf("%s:%d", cfg.Valkey.Host, cfg.Valkey.Port)},
			Username:    cfg.Valkey.Username,
			Password:    cfg.Valkey.Password,
		}
		if cfg.Valkey.UseTLS {
			option.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		vk, err := valkey.NewClient(option)
		if err != nil {
			return fmt.Errorf("connect valkey: %w", err)
		}
		replayStore = replay.NewValkeyStore(vk)
		requestStore = request.NewValkeyStore(vk)
		tokenStore = token.NewValkeyStore(vk)
		nonceService, err = nonce.NewValkeyService(vk, nonce.Options{ExpirySeconds: 300})
		if err != nil {
			return fmt.Errorf("create nonce service: %w", err)
		}
	} else {
		nonceService, err = nonce.NewHashicorpService()
		if err != nil {
			return fmt.Errorf("create nonce service: %w", err)
		}
	}

	replayManager := replay.NewManager(replayStore)
	dpopVerifier := dpop.NewVerifier(replayManager, nonceService)

	secureCookies := strings.HasPrefix(cfg.Issuer, "https://")
	if cfg.SecureCookies != nil {
		secureCookies = *cfg.SecureCookies
	}
	deviceManager := device.NewManager(device.NewMemoryStore(), secureCookies)
	accountManager := account.NewManager(account.NewMemoryStore(), nil)

	clientManager, err := client.NewManager(client.ManagerConfig{
		Issuer:            cfg.Issuer,
		FirstPartyClients: cfg.FirstPartyClients,
		LoopbackScope:     cfg.LoopbackScope,
	}, client.NewFetcher())
	if err != nil {
		return fmt.Errorf("create client manager: %w", err)
	}

	requestManager := request.NewManager(request.ManagerConfig{
		AllowPlainCodeChallenge: cfg.AllowPlainCodeChallenge,
	}, requestStore, replayManager)

	tokenManager := token.NewManager(token.ManagerConfig{
		TokenMaxAge: cfg.TokenMaxAge(),
	}, tokenStore, signer)

	p, err := provider.New(provider.Config{
		Issuer:               cfg.Issuer,
		Scopes:               cfg.ScopesSupported,
		AuthenticationMaxAge: cfg.AuthenticationMaxAge(),
	}, signer, clientManager, requestManager, tokenManager, accountManager, deviceManager, replayManager, dpopVerifier)
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover(), middleware.Logger())
	p.MountRoutes(e)

	go func() {
		if err := e.Start(cfg.ListenAddr); err != nil {
			slog.Info("server stopped", "error", err)
		}
	}()
	slog.Info("serving", "issuer", cfg.Issuer, "addr", cfg.ListenAddr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(ctx)
}
