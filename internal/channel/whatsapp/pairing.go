package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/openwork/owpenbot/internal/channel"
	"github.com/openwork/owpenbot/internal/common/config"
	apperrors "github.com/openwork/owpenbot/internal/common/errors"
	"github.com/openwork/owpenbot/internal/common/logger"
)

// credentialFile is the marker the socket layer writes once a session has
// been established. Only its existence is checked here.
const credentialFile = "creds.json"

// errPairingTimeout marks an attempt that never reached "open" in time.
var errPairingTimeout = errors.New("pairing attempt timed out")

// PairDevice runs the one-shot pairing flow: a QR attempt, then at most one
// retry without a fresh prompt when the network asks for a quick restart (or
// fails for an unknown reason after credentials were already persisted).
// Both attempts close their socket before returning.
func PairDevice(ctx context.Context, cfg config.WhatsAppConfig, factory SocketFactory, onStatus channel.StatusFunc, onQR func(code string), log *logger.Logger) error {
	log = log.WithChannel(ChannelName)
	status := func(msg string) {
		if onStatus != nil {
			onStatus(msg)
		}
	}

	status("Waiting for WhatsApp pairing. Scan the QR code with your phone.")
	err := pairingAttempt(ctx, cfg, factory, true, onQR, log)
	if err == nil {
		status("WhatsApp paired successfully.")
		return nil
	}

	switch {
	case IsLoggedOut(err):
		return apperrors.LoggedOut(ChannelName)
	case IsRestartRequired(err), hasCredentials(cfg.CredentialDir):
		// A restart request, or an unknown failure after credentials already
		// landed on disk, warrants exactly one quiet retry.
	case errors.Is(err, errPairingTimeout):
		status("Timed out waiting for QR scan, try again.")
		return fmt.Errorf("pairing timed out waiting for QR scan: %w", err)
	default:
		return fmt.Errorf("pairing failed: %w", err)
	}

	log.Info("Retrying pairing without QR prompt", zap.Error(err))
	status("WhatsApp requested a restart, reconnecting...")

	err = pairingAttempt(ctx, cfg, factory, false, nil, log)
	if err == nil {
		status("WhatsApp paired successfully.")
		return nil
	}
	if IsLoggedOut(err) {
		return apperrors.LoggedOut(ChannelName)
	}
	return fmt.Errorf("pairing failed after restart attempt: %w", err)
}

// pairingAttempt creates a fresh socket and waits for it to reach "open"
// within the configured timeout. The socket is closed before returning.
func pairingAttempt(ctx context.Context, cfg config.WhatsAppConfig, factory SocketFactory, printQR bool, onQR func(code string), log *logger.Logger) error {
	opened := make(chan struct{}, 1)
	failed := make(chan error, 1)

	events := SocketEvents{
		OnConnectionState: func(update ConnectionUpdate) {
			switch update.State {
			case StateOpen:
				select {
				case opened <- struct{}{}:
				default:
				}
			case StateClosed:
				select {
				case failed <- &DisconnectError{Code: update.StatusCode, Err: update.Err}:
				default:
				}
			}
		},
		OnQR: onQR,
	}

	sock, err := factory(ctx, SocketOptions{
		CredentialDir: cfg.CredentialDir,
		PrintQR:       printQR,
	}, events)
	if err != nil {
		return fmt.Errorf("create pairing socket: %w", err)
	}
	defer func() {
		if cerr := sock.Close(); cerr != nil {
			log.Debug("Error closing pairing socket", zap.Error(cerr))
		}
	}()

	timeout := cfg.PairingTimeoutDuration()
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	select {
	case <-opened:
		return nil
	case err := <-failed:
		return err
	case <-time.After(timeout):
		return errPairingTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// hasCredentials reports whether the socket layer has persisted a session.
func hasCredentials(credentialDir string) bool {
	_, err := os.Stat(filepath.Join(credentialDir, credentialFile))
	return err == nil
}

// Unpair wipes the on-disk credential directory. A missing directory is not
// an error.
func Unpair(credentialDir string) error {
	if credentialDir == "" {
		return fmt.Errorf("credential directory not configured")
	}
	return os.RemoveAll(credentialDir)
}
