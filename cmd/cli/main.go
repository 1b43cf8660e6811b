package main

// docunet-cli talks to a running peer daemon over its HTTP API.

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"docunet-network/pkg/utils"
)

var (
	apiAddr   string
	publicKey string
	client    = &http.Client{Timeout: 30 * time.Second}
)

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "docunet-cli",
		Short: "Client for a docunet peer",
	}
	root.PersistentFlags().StringVar(&apiAddr, "api",
		utils.EnvOrDefault("DOCUNET_API", "http://127.0.0.1:8420"), "peer API base URL")
	root.PersistentFlags().StringVar(&publicKey, "public-key",
		utils.EnvOrDefault("DOCUNET_PUBLIC_KEY", ""), "caller public key (0x-hex)")

	root.AddCommand(collectionCmd(), recordCmd(), callCmd(), statusCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func request(method, path string, payload interface{}) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, apiAddr+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if publicKey != "" {
		req.Header.Set("X-Public-Key", publicKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s %s: %d: %s", method, path, resp.StatusCode, string(raw))
	}
	return raw, nil
}

func printJSON(raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	fmt.Println(buf.String())
	return nil
}
