// Package main はCLIツールのエントリポイント。
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

var (
	apiURL  string
	output  string
	timeout time.Duration
)

// HTTPクライアント
var httpClient *http.Client

func main() {
	rootCmd := &cobra.Command{
		Use:   "keyctl",
		Short: "Key Validation Service CLI",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if apiURL == "" {
				apiURL = os.Getenv("KEYCTL_API_URL")
			}
			httpClient = &http.Client{Timeout: timeout}
		},
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "API endpoint URL (or set KEYCTL_API_URL)")
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	// サブコマンド登録
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(countCmd())
	rootCmd.AddCommand(deactivateCmd())
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("keyctl version %s\n", version)
		},
	}
}

// generateCmd は鍵の生成コマンド。平文シークレットは一度しか表示されない。
func generateCmd() *cobra.Command {
	var clientID, keyAlias, createdBy, expiresAt string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new secret key for a client",
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiURL == "" {
				return fmt.Errorf("--api-url is required (or set KEYCTL_API_URL)")
			}

			payload := map[string]string{
				"key_alias":  keyAlias,
				"created_by": createdBy,
			}
			if expiresAt != "" {
				payload["expires_at"] = expiresAt
			}
			reqBody, err := json.Marshal(payload)
			if err != nil {
				return fmt.Errorf("encoding request: %w", err)
			}

			url := fmt.Sprintf("%s/v1/clients/%s/keys", apiURL, clientID)
			resp, err := httpClient.Post(url, "application/json", bytes.NewReader(reqBody))
			if err != nil {
				return fmt.Errorf("API request failed: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}

			if resp.StatusCode != http.StatusCreated {
				return handleErrorResponse(resp.StatusCode, body)
			}

			if output == "json" {
				fmt.Println(string(body))
				return nil
			}

			var result struct {
				ID              string `json:"id"`
				PlaintextSecret string `json:"plaintext_secret"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			fmt.Printf("Created key %s for client %q\n", result.ID, clientID)
			fmt.Printf("Secret (shown once, store it securely): %s\n", result.PlaintextSecret)
			return nil
		},
	}
	cmd.Flags().StringVar(&clientID, "client", "", "Client ID (required)")
	cmd.Flags().StringVar(&keyAlias, "alias", "", "Human-readable key alias (required)")
	cmd.Flags().StringVar(&createdBy, "created-by", "", "User creating the key (required)")
	cmd.Flags().StringVar(&expiresAt, "expires-at", "", "Optional expiry (RFC3339)")
	cmd.MarkFlagRequired("client")
	cmd.MarkFlagRequired("alias")
	cmd.MarkFlagRequired("created-by")
	return cmd
}

// validateCmd はシークレットの検証コマンド。シークレットは標準入力から読む。
func validateCmd() *cobra.Command {
	var clientID string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a secret key read from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiURL == "" {
				return fmt.Errorf("--api-url is required (or set KEYCTL_API_URL)")
			}

			secret, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("reading secret from stdin: %w", err)
			}

			reqBody, err := json.Marshal(map[string]string{
				"client_id":  clientID,
				"secret_key": strings.TrimRight(string(secret), "\r\n"),
			})
			if err != nil {
				return fmt.Errorf("encoding request: %w", err)
			}

			url := fmt.Sprintf("%s/v1/keys/validate", apiURL)
			resp, err := httpClient.Post(url, "application/json", bytes.NewReader(reqBody))
			if err != nil {
				return fmt.Errorf("API request failed: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}

			if resp.StatusCode != http.StatusOK {
				return handleErrorResponse(resp.StatusCode, body)
			}

			if output == "json" {
				fmt.Println(string(body))
				return nil
			}

			var result struct {
				Valid  bool   `json:"valid"`
				Reason string `json:"reason"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			fmt.Printf("valid: %t (%s)\n", result.Valid, result.Reason)
			if !result.Valid {
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&clientID, "client", "", "Client ID (required)")
	cmd.MarkFlagRequired("client")
	return cmd
}

// statusCmd は鍵のステータス取得コマンド。
func statusCmd() *cobra.Command {
	var keyID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Get the status of a key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiURL == "" {
				return fmt.Errorf("--api-url is required (or set KEYCTL_API_URL)")
			}

			url := fmt.Sprintf("%s/v1/keys/%s", apiURL, keyID)
			resp, err := httpClient.Get(url)
			if err != nil {
				return fmt.Errorf("API request failed: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}

			if resp.StatusCode != http.StatusOK {
				return handleErrorResponse(resp.StatusCode, body)
			}

			if output == "json" {
				fmt.Println(string(body))
				return nil
			}

			var result struct {
				ID       string `json:"id"`
				ClientID string `json:"client_id"`
				KeyAlias string `json:"key_alias"`
				Status   string `json:"status"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			fmt.Printf("%s (%s, client %s): %s\n", result.ID, result.KeyAlias, result.ClientID, result.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyID, "key", "", "Key ID (required)")
	cmd.MarkFlagRequired("key")
	return cmd
}

// listCmd はクライアントの鍵一覧コマンド。
func listCmd() *cobra.Command {
	var clientID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all keys for a client",
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiURL == "" {
				return fmt.Errorf("--api-url is required (or set KEYCTL_API_URL)")
			}

			url := fmt.Sprintf("%s/v1/clients/%s/keys", apiURL, clientID)
			resp, err := httpClient.Get(url)
			if err != nil {
				return fmt.Errorf("API request failed: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}

			if resp.StatusCode != http.StatusOK {
				return handleErrorResponse(resp.StatusCode, body)
			}

			if output == "json" {
				fmt.Println(string(body))
				return nil
			}

			var result struct {
				Keys []struct {
					ID        string `json:"id"`
					KeyAlias  string `json:"key_alias"`
					Status    string `json:"status"`
					CreatedAt string `json:"created_at"`
				} `json:"keys"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}

			fmt.Printf("%-38s %-24s %-22s %s\n", "ID", "ALIAS", "STATUS", "CREATED_AT")
			for _, k := range result.Keys {
				fmt.Printf("%-38s %-24s %-22s %s\n", k.ID, k.KeyAlias, k.Status, k.CreatedAt)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&clientID, "client", "", "Client ID (required)")
	cmd.MarkFlagRequired("client")
	return cmd
}

// countCmd はactiveな鍵数の取得コマンド。
func countCmd() *cobra.Command {
	var clientID string
	cmd := &cobra.Command{
		Use:   "count",
		Short: "Show the active key count for a client",
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiURL == "" {
				return fmt.Errorf("--api-url is required (or set KEYCTL_API_URL)")
			}

			url := fmt.Sprintf("%s/v1/clients/%s/keys/count", apiURL, clientID)
			resp, err := httpClient.Get(url)
			if err != nil {
				return fmt.Errorf("API request failed: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}

			if resp.StatusCode != http.StatusOK {
				return handleErrorResponse(resp.StatusCode, body)
			}

			if output == "json" {
				fmt.Println(string(body))
				return nil
			}

			var result struct {
				ActiveKeyCount int `json:"active_key_count"`
				MaxAllowed     int `json:"max_allowed"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			fmt.Printf("%d of %d active keys for client %q\n", result.ActiveKeyCount, result.MaxAllowed, clientID)
			return nil
		},
	}
	cmd.Flags().StringVar(&clientID, "client", "", "Client ID (required)")
	cmd.MarkFlagRequired("client")
	return cmd
}

// deactivateCmd は鍵の即時無効化コマンド。
func deactivateCmd() *cobra.Command {
	var keyID string
	cmd := &cobra.Command{
		Use:   "deactivate",
		Short: "Deactivate a key immediately",
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiURL == "" {
				return fmt.Errorf("--api-url is required (or set KEYCTL_API_URL)")
			}

			url := fmt.Sprintf("%s/v1/keys/%s", apiURL, keyID)
			req, err := http.NewRequest(http.MethodDelete, url, nil)
			if err != nil {
				return fmt.Errorf("creating request: %w", err)
			}

			resp, err := httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("API request failed: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}

			if resp.StatusCode != http.StatusOK {
				return handleErrorResponse(resp.StatusCode, body)
			}

			if output == "json" {
				fmt.Println(string(body))
				return nil
			}

			var result struct {
				Status string `json:"status"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			fmt.Printf("Key %s is now %s\n", keyID, result.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyID, "key", "", "Key ID (required)")
	cmd.MarkFlagRequired("key")
	return cmd
}

func handleErrorResponse(statusCode int, body []byte) error {
	var errResp struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&errResp); err == nil && errResp.Message != "" {
		return fmt.Errorf("Error: %s", errResp.Message)
	}
	return fmt.Errorf("Error: server returned status %d", statusCode)
}
