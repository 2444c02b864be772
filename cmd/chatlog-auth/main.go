package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/session/tdesktop"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"github.com/mdp/qrterminal/v3"

	"github.com/blockedby/chatlog/internal/config"
	"github.com/blockedby/chatlog/internal/database"
	"github.com/blockedby/chatlog/internal/logger"
	"github.com/blockedby/chatlog/internal/telegram"
)

const (
	methodTDesktop = "1"
	methodQR       = "2"
	methodPhone    = "3"
)

func main() {
	fmt.Println("=== chatlog telegram auth ===")
	fmt.Println("this tool stores a telegram session for the chatlog service")
	fmt.Println()

	cfg, err := config.Load()
	if err != nil {
		fail("load config", err)
	}
	if err := logger.Init("warn", ""); err != nil {
		fail("init logger", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reader := bufio.NewReader(os.Stdin)

	sessionDB, err := database.OpenSessionDB(cfg.TGSessionDSN)
	if err != nil {
		fail("open session db", err)
	}
	storage, err := telegram.NewSessionStorage(sessionDB)
	if err != nil {
		fail("init session storage", err)
	}

	if ok, _ := storage.HasSession(ctx); ok {
		answer := prompt(reader, "a session is already stored, replace it? [y/N]: ")
		if !strings.EqualFold(answer, "y") {
			fmt.Println("keeping the stored session")
			return
		}
		if err := storage.Clear(ctx); err != nil {
			fail("clear session", err)
		}
	}

	// try to detect telegram desktop
	tdataPath := getTelegramDesktopPath()
	accounts, tdataErr := tdesktop.Read(tdataPath, nil)
	if tdataErr != nil || len(accounts) == 0 {
		fmt.Printf("telegram desktop data not found at: %s\n", tdataPath)
		customPath := prompt(reader, "enter telegram desktop path (or press enter to skip): ")
		if customPath != "" {
			if !strings.HasSuffix(customPath, "tdata") {
				customPath = filepath.Join(customPath, "tdata")
			}
			accounts, tdataErr = tdesktop.Read(customPath, nil)
		}
	}
	hasDesktop := tdataErr == nil && len(accounts) > 0

	fmt.Println()
	fmt.Println("choose authentication method:")
	if hasDesktop {
		fmt.Printf("  1. import telegram desktop session (%d account(s) found)\n", len(accounts))
	}
	fmt.Println("  2. scan a QR code with the telegram app")
	fmt.Println("  3. phone number and login code")

	def := methodQR
	if hasDesktop {
		def = methodTDesktop
	}
	method := prompt(reader, fmt.Sprintf("\nenter choice [%s]: ", def))
	if method == "" {
		method = def
	}

	switch method {
	case methodTDesktop:
		if !hasDesktop {
			fail("import session", errors.New("no telegram desktop accounts"))
		}
		err = importDesktop(ctx, storage, accounts, reader)
	case methodQR, methodPhone:
		err = loginOnline(ctx, cfg, storage, method, reader)
	default:
		err = fmt.Errorf("unknown choice %q", method)
	}
	if err != nil {
		fail("authenticate", err)
	}

	fmt.Println("\n✓ authentication successful!")
	fmt.Printf("session stored in %s\n", cfg.TGSessionDSN)
	fmt.Println("\n⚠️  keep it secret! it provides full access to your telegram account")
}

// importDesktop converts a Telegram Desktop account into a stored session.
func importDesktop(ctx context.Context, storage *telegram.SessionStorage, accounts []tdesktop.Account, reader *bufio.Reader) error {
	idx := 0
	if len(accounts) > 1 {
		fmt.Printf("\nfound %d telegram accounts:\n", len(accounts))
		for i := range accounts {
			fmt.Printf("  %d. account #%d\n", i+1, i+1)
		}
		choice := prompt(reader, "\nselect account number [1]: ")
		if n, err := strconv.Atoi(choice); err == nil && n >= 1 && n <= len(accounts) {
			idx = n - 1
		}
	}

	data, err := session.TDesktopSession(accounts[idx])
	if err != nil {
		return fmt.Errorf("convert desktop session: %w", err)
	}
	return storage.Import(ctx, data)
}

// loginOnline connects with the service's manager and runs the QR or phone
// flow on it. The session is saved by the client once authorized.
func loginOnline(ctx context.Context, cfg *config.Config, storage *telegram.SessionStorage, method string, reader *bufio.Reader) error {
	apiID, apiHash := getAPICredentials(cfg, reader)
	mgr := telegram.NewManager(apiID, apiHash, storage, logger.Get())

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- mgr.Run(runCtx) }()

	if err := waitConnected(ctx, mgr, runErr); err != nil {
		return err
	}
	if mgr.GetStatus() == telegram.StatusReady {
		return nil
	}

	if method == methodQR {
		password := prompt(reader, "two-factor password (press enter if none): ")
		fmt.Println("\nscan the code in telegram: settings > devices > link desktop device")
		return mgr.LoginQR(ctx, func(url string) {
			qrterminal.GenerateHalfBlock(url, qrterminal.L, os.Stdout)
		}, password)
	}

	phone := prompt(reader, "enter your phone number (with country code, e.g. +1234567890): ")
	password := prompt(reader, "two-factor password (press enter if none): ")
	code := auth.CodeAuthenticatorFunc(func(context.Context, *tg.AuthSentCode) (string, error) {
		return prompt(reader, "enter the code telegram sent you: "), nil
	})
	return mgr.Login(ctx, auth.NewFlow(auth.Constant(phone, password, code), auth.SendCodeOptions{}))
}

// waitConnected blocks until the manager has checked the stored
// authorization.
func waitConnected(ctx context.Context, mgr *telegram.Manager, runErr <-chan error) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		switch mgr.GetStatus() {
		case telegram.StatusReady, telegram.StatusUnauthorized:
			return nil
		case telegram.StatusError:
			return telegram.ErrNotConnected
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-runErr:
			if err == nil {
				err = telegram.ErrNotConnected
			}
			return err
		case <-ticker.C:
		}
	}
}

// getTelegramDesktopPath returns the path to Telegram Desktop data directory
func getTelegramDesktopPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "Telegram Desktop", "tdata")
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "Telegram Desktop", "tdata")
	default: // linux
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "TelegramDesktop", "tdata")
	}
}

// getAPICredentials takes API ID and Hash from config or prompts user
func getAPICredentials(cfg *config.Config, reader *bufio.Reader) (int, string) {
	apiID, apiHash := cfg.TGApiID, cfg.TGApiHash

	if apiID == 0 {
		s := prompt(reader, "enter your api_id (from https://my.telegram.org): ")
		n, err := strconv.Atoi(s)
		if err != nil {
			fail("invalid api_id", err)
		}
		apiID = n
	}
	if apiHash == "" {
		apiHash = prompt(reader, "enter your api_hash: ")
	}
	return apiID, apiHash
}

func prompt(reader *bufio.Reader, text string) string {
	fmt.Print(text)
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}

func fail(what string, err error) {
	fmt.Printf("error: %s: %v\n", what, err)
	os.Exit(1)
}
