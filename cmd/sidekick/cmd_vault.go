package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"sidekick/internal/store"
	"sidekick/internal/vault"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"
)

var (
	vaultPassword    string
	vaultGeminiKey   string
	vaultDeepSeekKey string
)

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Manage where API keys are stored",
	Long: `API keys live either in plain local storage ("local" mode) or encrypted
with a master password ("vault" mode). In vault mode the panel asks for the
password once per browser session and re-locks after inactivity.`,
}

var vaultSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Encrypt the API keys with a master password",
	RunE:  runVaultSetup,
}

var vaultLocalCmd = &cobra.Command{
	Use:   "local",
	Short: "Switch back to unencrypted local keys",
	RunE:  runVaultLocal,
}

var vaultLockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Lock the vault for the running browser session",
	RunE:  runVaultLock,
}

var vaultStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the storage mode and lock state",
	RunE:  runVaultStatus,
}

func init() {
	for _, c := range []*cobra.Command{vaultSetupCmd, vaultLocalCmd} {
		c.Flags().StringVar(&vaultPassword, "password", "", "Master password (prompted when omitted)")
		c.Flags().StringVar(&vaultGeminiKey, "gemini-key", "", "Gemini API key (default: current key)")
		c.Flags().StringVar(&vaultDeepSeekKey, "deepseek-key", "", "DeepSeek API key (default: current key)")
	}
	vaultCmd.AddCommand(vaultSetupCmd, vaultLocalCmd, vaultLockCmd, vaultStatusCmd)
}

func runVaultSetup(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()
	areas, err := openAreas(readControlURL())
	if err != nil {
		return err
	}
	defer areas.Close()

	keys, err := currentKeys(ctx, areas)
	if err != nil {
		return err
	}
	if keys.Gemini == "" && keys.DeepSeek == "" {
		return errors.New("no API keys to protect; pass --gemini-key or --deepseek-key")
	}

	password := vaultPassword
	if password == "" {
		if password, err = promptPassword("Master password: "); err != nil {
			return err
		}
		confirm, err := promptPassword("Repeat password: ")
		if err != nil {
			return err
		}
		if confirm != password {
			return errors.New("passwords do not match")
		}
	}

	if err := vault.Setup(ctx, areas, keys, password); err != nil {
		return err
	}
	logger.Info("vault configured")
	fmt.Println("Keys encrypted. The panel will ask for the master password.")
	return nil
}

func runVaultLocal(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()
	areas, err := openAreas(readControlURL())
	if err != nil {
		return err
	}
	defer areas.Close()

	keys, err := currentKeys(ctx, areas)
	if err != nil {
		return err
	}
	if err := vault.UseLocal(ctx, areas, keys); err != nil {
		return err
	}
	fmt.Println("Keys stored locally without encryption.")
	return nil
}

func runVaultLock(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()
	controlURL := readControlURL()
	if controlURL == "" {
		return errors.New("no browser session recorded; is \"sidekick serve\" running?")
	}
	areas, err := openAreas(controlURL)
	if err != nil {
		return err
	}
	defer areas.Close()

	if err := areas.Session.Remove(ctx, store.KeyDecryptedKeys); err != nil {
		return fmt.Errorf("clear session keys: %w", err)
	}
	logger.Info("vault locked", zap.String("session", controlURL))
	fmt.Println("Vault locked.")
	return nil
}

func runVaultStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()
	areas, err := openAreas(readControlURL())
	if err != nil {
		return err
	}
	defer areas.Close()

	st, err := readVaultStatus(ctx, areas)
	if err != nil {
		return err
	}
	fmt.Printf("Storage mode: %s\n", st.mode)
	if st.mode == vault.ModeVault {
		fmt.Printf("Vault present: %t\n", st.sealed)
		fmt.Printf("Unlocked in this browser session: %t\n", st.unlocked)
	}
	return nil
}

type vaultStatus struct {
	mode     vault.Mode
	sealed   bool
	unlocked bool
}

func readVaultStatus(ctx context.Context, areas *store.Areas) (vaultStatus, error) {
	st := vaultStatus{mode: vault.ModeLocal}
	if _, err := areas.Local.Get(ctx, store.KeyStorageMode, &st.mode); err != nil {
		return st, err
	}
	var err error
	if st.sealed, err = areas.Sync.Get(ctx, store.KeyVault, nil); err != nil {
		return st, err
	}
	if st.unlocked, err = areas.Session.Get(ctx, store.KeyDecryptedKeys, nil); err != nil {
		return st, err
	}
	return st, nil
}

// currentKeys resolves the keys to store: flags first, then whatever is
// stored now (decrypting the vault when needed), then config.
func currentKeys(ctx context.Context, areas *store.Areas) (vault.Keys, error) {
	var keys vault.Keys
	st, err := readVaultStatus(ctx, areas)
	if err != nil {
		return keys, err
	}

	switch {
	case st.mode == vault.ModeVault && st.sealed:
		if vaultGeminiKey != "" || vaultDeepSeekKey != "" {
			break
		}
		password := vaultPassword
		if password == "" {
			if password, err = promptPassword("Current master password: "); err != nil {
				return keys, err
			}
		}
		if keys, err = unsealKeys(ctx, areas, password); err != nil {
			return keys, err
		}
	default:
		if _, err := areas.Local.Get(ctx, store.KeyGeminiKey, &keys.Gemini); err != nil {
			return keys, err
		}
		if _, err := areas.Local.Get(ctx, store.KeyDeepSeekKey, &keys.DeepSeek); err != nil {
			return keys, err
		}
	}

	keys.Gemini = firstNonEmpty(vaultGeminiKey, keys.Gemini, cfg.LLM.GeminiAPIKey)
	keys.DeepSeek = firstNonEmpty(vaultDeepSeekKey, keys.DeepSeek, cfg.LLM.DeepSeekAPIKey)
	return keys, nil
}

// unsealKeys opens the vault through a throwaway gate.
func unsealKeys(ctx context.Context, areas *store.Areas, password string) (vault.Keys, error) {
	g := vault.NewGate(areas, vault.Options{})
	if err := g.Load(ctx); err != nil {
		return vault.Keys{}, err
	}
	defer g.Close()
	if err := g.Unlock(ctx, password); err != nil {
		return vault.Keys{}, err
	}
	keys, _ := g.Keys()
	return keys, nil
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(raw), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
